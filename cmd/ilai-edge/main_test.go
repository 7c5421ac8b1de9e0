package main

import (
	"testing"
	"time"

	"github.com/ilai-app/edge/internal/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestRootCommandBindsFlagsToConfig(testContext *testing.T) {
	viper.Reset()
	testContext.Cleanup(viper.Reset)

	rootCmd := newRootCommand()
	err := rootCmd.PersistentFlags().Parse([]string{
		"--signing-secret", "flag-secret",
		"--http-address", "127.0.0.1:9999",
		"--allowed-origins", "https://one.example.com,https://two.example.com",
		"--origin-url", "https://origin.example.com",
		"--session-ttl", "2h",
		"--flush-debounce", "250ms",
		"--idle-timeout", "0s",
	})
	require.NoError(testContext, err)

	appConfig, err := config.Load(viper.GetViper())
	require.NoError(testContext, err)
	require.Equal(testContext, "flag-secret", appConfig.AuthSigningSecret)
	require.Equal(testContext, "127.0.0.1:9999", appConfig.HTTPAddress)
	require.Equal(testContext, []string{"https://one.example.com", "https://two.example.com"}, appConfig.AllowedOrigins)
	require.Equal(testContext, "https://origin.example.com", appConfig.OriginBaseURL)
	require.Equal(testContext, 2*time.Hour, appConfig.SessionTTL)
	require.Equal(testContext, 250*time.Millisecond, appConfig.FlushDebounce)
	require.Zero(testContext, appConfig.IdleTimeout)
}

func TestRootCommandDefaultsRequireSecret(testContext *testing.T) {
	viper.Reset()
	testContext.Cleanup(viper.Reset)

	newRootCommand()
	_, err := config.Load(viper.GetViper())
	require.ErrorContains(testContext, err, "auth.signing_secret")
}

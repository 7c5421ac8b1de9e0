package notes

import (
	"fmt"

	"github.com/ilai-app/edge/internal/actor"
	"github.com/ilai-app/edge/internal/logging"
	"go.uber.org/zap"
)

// ServiceError carries a stable code of the form <operation>.<reason>.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opInit        = "notes.init"
	opApplyUpdate = "notes.apply_update"
	opCleanup     = "notes.cleanup"
	opFlush       = "notes.flush"
	opSocket      = "notes.socket"

	reasonInvalidNoteID  = "invalid_note_id"
	reasonInvalidUserID  = "invalid_user_id"
	reasonInvalidContent = "invalid_content"
	reasonMergeFailed    = "merge_failed"
	reasonPersistFailed  = "persist_failed"
	reasonScheduleFailed = "schedule_failed"
	reasonDeleteFailed   = "delete_failed"
	reasonPushFailed     = "push_failed"
	reasonMalformedFrame = "malformed_frame"
	reasonUpdateRejected = "update_rejected"
	reasonCancelFailed   = "cancel_failed"
	fieldUserID          = "user_id"
	fieldVersion         = "version"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func logError(actx *actor.Context, operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(logging.FieldOperation, operation),
		zap.String(logging.FieldReason, reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	actx.Logger().Error("notes sync error", attrs...)
}

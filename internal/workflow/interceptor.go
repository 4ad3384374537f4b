package workflow

import (
	"context"
	"errors"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/temporal"

	"github.com/edvin/jitaccess/internal/model"
)

// ErrorTypingInterceptor names activity failures after the activity that
// raised them. Failures that retrying cannot fix, such as a request that is
// not in the expected status, are marked non-retryable.
type ErrorTypingInterceptor struct {
	interceptor.WorkerInterceptorBase
}

func (e *ErrorTypingInterceptor) InterceptActivity(
	ctx context.Context,
	next interceptor.ActivityInboundInterceptor,
) interceptor.ActivityInboundInterceptor {
	return &errorTypingActivityInterceptor{next: next}
}

type errorTypingActivityInterceptor struct {
	interceptor.ActivityInboundInterceptorBase
	next interceptor.ActivityInboundInterceptor
}

func (e *errorTypingActivityInterceptor) Init(outbound interceptor.ActivityOutboundInterceptor) error {
	return e.next.Init(outbound)
}

func (e *errorTypingActivityInterceptor) ExecuteActivity(
	ctx context.Context,
	in *interceptor.ExecuteActivityInput,
) (interface{}, error) {
	result, err := e.next.ExecuteActivity(ctx, in)
	if err == nil {
		return result, nil
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Type() != "" {
		return result, err
	}
	return result, typed(activity.GetInfo(ctx).ActivityType.Name, err)
}

func typed(activityName string, err error) error {
	if permanent(err) {
		return temporal.NewNonRetryableApplicationError(err.Error(), activityName, err)
	}
	return temporal.NewApplicationError(err.Error(), activityName, err)
}

func permanent(err error) bool {
	var violation *model.PolicyViolation
	return errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvalidTransition) ||
		errors.As(err, &violation)
}

package runtime

import (
	"context"

	"github.com/cockroachdb/errors"
)

type operationKey struct{}

func withOperation(ctx context.Context, op *Operation) context.Context {
	return context.WithValue(ctx, operationKey{}, op)
}

// OperationFrom returns the controlled operation carried by ctx.
func OperationFrom(ctx context.Context) (*Operation, bool) {
	op, ok := ctx.Value(operationKey{}).(*Operation)
	return op, ok && op != nil
}

// current returns the operation calling into a controlled primitive. A
// context that carries none means the call escaped interception.
func current(ctx context.Context) *Operation {
	op, ok := OperationFrom(ctx)
	if !ok {
		panic(errors.WithHint(
			errors.Wrap(ErrUncontrolled, "controlled primitive used outside a controlled operation"),
			"pass the context given to the test function or to Go"))
	}
	return op
}

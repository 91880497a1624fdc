package effect

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/gurre/ddb-effect/ddberr"
	"github.com/gurre/ddb-effect/docclient"
)

// Result is the service response of one command together with the exact
// parameters it was issued with.
type Result[I, O any] struct {
	Output *O
	Params *I
}

// CommandEffect turns request parameters into an operation effect.
type CommandEffect[I, O any] func(params *I, optFns ...func(*dynamodb.Options)) Effect[DocumentClientDeps, Result[I, O]]

// FabricateCommandEffect derives an operation from a command constructor.
//
// Running the returned effect sends exactly one command through the document
// client from the environment. There are no retries and no caching. Any
// failure, returned or panicked, is reported as a *ddberr.Error carrying
// params. optFns are forwarded to the client unchanged.
func FabricateCommandEffect[I, O any](ctor docclient.Constructor[I, O]) CommandEffect[I, O] {
	return func(params *I, optFns ...func(*dynamodb.Options)) Effect[DocumentClientDeps, Result[I, O]] {
		return func(ctx context.Context, deps DocumentClientDeps) (res Result[I, O], err error) {
			normalize := ddberr.Normalize(params)
			defer func() {
				if r := recover(); r != nil {
					res, err = Result[I, O]{}, normalize(r)
				}
			}()

			cmd := ctor(params)
			out, sendErr := deps.DynamoDBDocumentClient().Send(ctx, cmd, optFns...)
			if sendErr != nil {
				return Result[I, O]{}, normalize(sendErr)
			}
			typed, ok := out.(*O)
			if !ok {
				return Result[I, O]{}, normalize(fmt.Errorf("%s: unexpected output type %T", cmd.OperationName(), out))
			}
			return Result[I, O]{Output: typed, Params: params}, nil
		}
	}
}

package parameters

import (
	"github.com/gomlx/gomlx/ml/context"
	"github.com/pkg/errors"
)

// ToContext overwrites the hyperparameters of the root scope of ctx with the values given in params,
// and removes them from params.
//
// Only hyperparameters already set in ctx (normally with their default values) are considered, and
// their type is preserved. Hyperparameters of other types (e.g. lists) are left untouched.
func ToContext(params Params, ctx *context.Context) error {
	var err error
	ctx.EnumerateParams(func(scope, key string, valueAny any) {
		if err != nil || scope != context.RootScope {
			return
		}
		if _, found := params[key]; !found {
			return
		}
		var value any
		var parseErr error
		switch defaultValue := valueAny.(type) {
		case string:
			value, parseErr = PopParamOr(params, key, defaultValue)
		case int:
			value, parseErr = PopParamOr(params, key, defaultValue)
		case float64:
			value, parseErr = PopParamOr(params, key, defaultValue)
		case float32:
			value, parseErr = PopParamOr(params, key, defaultValue)
		case bool:
			value, parseErr = PopParamOr(params, key, defaultValue)
		default:
			return
		}
		if parseErr != nil {
			err = errors.WithMessagef(parseErr, "parsing hyperparameter %q (%T)", key, valueAny)
			return
		}
		ctx.SetParam(key, value)
	})
	return err
}

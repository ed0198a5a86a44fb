package circuitbreaker

import "context"

// CallWithResultTyped 是 CircuitBreaker.CallWithResult 的泛型封装，
// 免去调用方对返回值做类型断言。
//
// 用法：
//
//	resp, err := circuitbreaker.CallWithResultTyped(cb, ctx, func(ctx context.Context) (*http.Response, error) {
//	    return client.Do(req.WithContext(ctx))
//	})
func CallWithResultTyped[T any](cb CircuitBreaker, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := cb.CallWithResult(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

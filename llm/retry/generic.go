package retry

import "context"

// DoWithResultTyped 是 Retryer.DoWithResult 的泛型封装，
// 免去调用方对返回值做类型断言。Provider 适配器与下游客户端
// 用它包裹带返回值的 HTTP 调用：
//
//	resp, err := retry.DoWithResultTyped[*llm.ChatResponse](r, ctx, func() (*llm.ChatResponse, error) {
//	    return p.doCompletion(ctx, req)
//	})
func DoWithResultTyped[T any](r Retryer, ctx context.Context, fn func() (T, error)) (T, error) {
	result, err := r.DoWithResult(ctx, func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

package nn

import (
	"fmt"

	"github.com/ollama/modelkit/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T/√d_k + mask)V
//
// Parameters:
//   - ctx: Context for tensor operations
//   - query: Query tensor (Q) with shape [d_k, heads, seq_len_q, batch]
//   - key: Key tensor (K) with shape [d_k, heads, seq_len_k, batch]
//   - value: Value tensor (V) with shape [d_v, heads, seq_len_k, batch]
//   - mask: Additive mask broadcast to [seq_len_k, seq_len_q, heads, batch], can be nil
//   - scale: Scaling factor, typically 1/√d_k where d_k is the key dimension
//
// Returns:
//
//	Attention output with shape [d_v, heads, seq_len_q, batch]
func Attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	kqv, _ := AttentionWithWeights(ctx, query, key, value, mask, scale)
	return kqv
}

// AttentionWithWeights is Attention that also returns the attention
// probabilities with shape [seq_len_k, seq_len_q, heads, batch].
func AttentionWithWeights(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) (ml.Tensor, ml.Tensor) {
	if query.Dim(0) != key.Dim(0) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(0), key.Dim(0)))
	}

	if key.Dim(1) != value.Dim(1) {
		panic(fmt.Errorf("heads in attention operation does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	query = query.Permute(ctx, 0, 2, 1, 3)
	key = key.Permute(ctx, 0, 2, 1, 3)
	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	kq := key.Mulmat(ctx, query)
	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	kqv := value.Mulmat(ctx, kq)
	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx), kq
}

package blip

import (
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/model/models/convnext"
)

// convNextVision adapts a ConvNeXt encoder to cross attention. The final
// feature map is flattened into a sequence and the pooled summary is
// prepended in place of a class token.
type convNextVision struct {
	*convnext.Encoder
}

func (v *convNextVision) SequenceLength() int {
	return v.Options.SequenceLength() + 1
}

func (v *convNextVision) InputShape() []int {
	return []int{v.ImageSize(), v.ImageSize(), v.NumChannels()}
}

func (v *convNextVision) Forward(ctx ml.Context, pixelValues ml.Tensor, mode ml.Mode) *VisionOutput {
	out := v.Encoder.Forward(ctx, pixelValues, mode)

	hiddenState := out.LastHiddenState
	width, height, channels, batchSize := hiddenState.Dim(0), hiddenState.Dim(1), hiddenState.Dim(2), hiddenState.Dim(3)

	hiddenState = hiddenState.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)
	hiddenState = hiddenState.Reshape(ctx, channels, width*height, batchSize)

	pooled := out.PoolerOutput.Reshape(ctx, channels, 1, batchSize)
	return &VisionOutput{
		LastHiddenState: pooled.Concat(ctx, hiddenState, 1),
		PoolerOutput:    out.PoolerOutput,
		HiddenStates:    out.HiddenStates,
	}
}

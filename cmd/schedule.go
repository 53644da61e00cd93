package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/modelkit/convert"
	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/model/models/convnext"
)

func NewScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule [MODEL]",
		Short: "Print the stage layout and drop path rates of a ConvNeXt encoder",
		Long: `Print the stage layout and drop path rates of a ConvNeXt encoder.

The configuration is read from MODEL when given and from flags otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: scheduleHandler,
	}

	cmd.Flags().UintSlice("depths", []uint{3, 3, 9, 3}, "Number of blocks per stage")
	cmd.Flags().UintSlice("hidden-sizes", []uint{96, 192, 384, 768}, "Channels per stage")
	cmd.Flags().Float32("drop-path-rate", 0, "Drop path rate of the last block")
	return cmd
}

func scheduleHandler(cmd *cobra.Command, args []string) error {
	var kv fs.KV
	if len(args) > 0 {
		p, err := modelPath(args[0])
		if err != nil {
			return err
		}

		c, err := convert.ConvertModel(os.DirFS(p))
		if err != nil {
			return err
		}

		if arch := c.KV.Architecture(); arch != "convnext" {
			return fmt.Errorf("%s: %w", arch, convert.ErrUnsupportedArchitecture)
		}

		kv = c.KV
	} else {
		var err error
		if kv, err = scheduleFlags(cmd); err != nil {
			return err
		}
	}

	stages, err := convnext.Describe(kv)
	if err != nil {
		return err
	}

	table := newTable(cmd, "STAGE", "DEPTH", "IN", "OUT", "STRIDE", "DROP PATH")
	for _, s := range stages {
		rates := make([]string, len(s.Rates))
		for i, r := range s.Rates {
			rates[i] = strconv.FormatFloat(float64(r), 'f', 4, 32)
		}

		table.Append([]string{
			strconv.Itoa(s.Index),
			strconv.Itoa(s.Depth),
			strconv.Itoa(s.In),
			strconv.Itoa(s.Out),
			strconv.Itoa(s.Stride),
			strings.Join(rates, " "),
		})
	}
	table.Render()
	return nil
}

func scheduleFlags(cmd *cobra.Command) (fs.KV, error) {
	depths, err := cmd.Flags().GetUintSlice("depths")
	if err != nil {
		return nil, err
	}

	hiddenSizes, err := cmd.Flags().GetUintSlice("hidden-sizes")
	if err != nil {
		return nil, err
	}

	rate, err := cmd.Flags().GetFloat32("drop-path-rate")
	if err != nil {
		return nil, err
	}

	return fs.KV{
		"general.architecture":    "convnext",
		"convnext.depths":         uint32s(depths),
		"convnext.hidden_sizes":   uint32s(hiddenSizes),
		"convnext.num_stages":     uint32(len(depths)),
		"convnext.drop_path_rate": rate,
	}, nil
}

func uint32s(s []uint) []uint32 {
	u := make([]uint32, len(s))
	for i, v := range s {
		u[i] = uint32(v)
	}
	return u
}

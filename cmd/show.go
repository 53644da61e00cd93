package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ollama/modelkit/format"
	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
)

func NewShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show MODEL",
		Short: "Show the configuration and parameters of a model",
		Args:  cobra.ExactArgs(1),
		RunE:  showHandler,
	}

	cmd.Flags().Bool("parameters", false, "List every parameter")
	return cmd
}

func showHandler(cmd *cobra.Command, args []string) error {
	ctx, err := newContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	m, kv, err := loadModel(ctx, args[0])
	if err != nil {
		return err
	}

	all, err := cmd.Flags().GetBool("parameters")
	if err != nil {
		return err
	}

	showInfo(cmd, kv, m.Params(), all)
	return nil
}

func showInfo(cmd *cobra.Command, kv fs.KV, params *ml.Params, all bool) {
	table := newTable(cmd, "KEY", "VALUE")
	for k := range kv.Keys() {
		table.Append([]string{k, formatValue(kv[k])})
	}
	table.Append([]string{"parameters", format.HumanNumber(uint64(params.Count()))})
	table.Append([]string{"size", format.HumanBytes(4 * int64(params.Count()))})
	table.Append([]string{"digest", fmt.Sprintf("%016x", params.Digest())})
	table.Render()

	if !all {
		return
	}

	fmt.Fprintln(cmd.OutOrStdout())

	table = newTable(cmd, "NAME", "SHAPE", "ELEMENTS")
	for _, p := range params.All() {
		table.Append([]string{p.Name, formatShape(p.Shape), strconv.Itoa(p.Len())})
	}
	table.Render()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case []string:
		if len(v) > 4 {
			return fmt.Sprintf("[%s ...] (%d)", strings.Join(v[:4], " "), len(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatShape(shape []int) string {
	s := make([]string, len(shape))
	for i, d := range shape {
		s[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(s, " ") + "]"
}

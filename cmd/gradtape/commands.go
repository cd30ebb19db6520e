package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/born-ml/gradtape/internal/execution"
	"github.com/born-ml/gradtape/internal/models"
	"github.com/born-ml/gradtape/internal/optim"
	"github.com/born-ml/gradtape/internal/serialization"
	"github.com/born-ml/gradtape/internal/tensor"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

type runOptions struct {
	function   bool
	configPath string
	runtime    string
	tracing    string
	input      []float32
	savePath   string
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gradtape",
		Short:         "Reverse-mode automatic differentiation on a gradient tape",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(newVersionCmd(), newModelsCmd(), newRunCmd(), newTrainCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gradtape %s\n", version)
		},
	}
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the built-in models",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			for _, m := range models.All() {
				fmt.Fprintf(out, "%-24s %s\n", m.Name, m.Description)
			}
		},
	}
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <model>",
		Short: "Run a built-in model eagerly or as a traced function",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModel(cmd, opts, args[0])
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.function, "function", false, "trace the model into a function before running it")
	f.StringVar(&opts.configPath, "config", "", "path to a YAML execution config")
	f.StringVar(&opts.runtime, "runtime", "", "runtime override: serial or parallel")
	f.StringVar(&opts.tracing, "tracing", "", "tracing override: graph or compiled")
	f.Float32SliceVar(&opts.input, "input", nil, "values for the model's first input")
	f.StringVar(&opts.savePath, "save", "", "write the outputs to a SafeTensors file")
	return cmd
}

type trainOptions struct {
	runOptions
	optimizer string
	lr        float32
	momentum  float32
	steps     int
}

func newTrainCmd() *cobra.Command {
	opts := &trainOptions{}
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Fit the mlp model's weights by gradient descent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return train(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.function, "function", false, "trace the model once and call the function every step")
	f.StringVar(&opts.configPath, "config", "", "path to a YAML execution config")
	f.StringVar(&opts.runtime, "runtime", "", "runtime override: serial or parallel")
	f.StringVar(&opts.tracing, "tracing", "", "tracing override: graph or compiled")
	f.StringVar(&opts.optimizer, "optimizer", "sgd", "optimizer: sgd or adam")
	f.Float32Var(&opts.lr, "lr", 0, "learning rate (optimizer default when 0)")
	f.Float32Var(&opts.momentum, "momentum", 0, "SGD momentum")
	f.IntVar(&opts.steps, "steps", 10, "number of optimization steps")
	return cmd
}

func newOptimizer(opts *trainOptions) (optim.Optimizer, error) {
	switch opts.optimizer {
	case "sgd":
		return optim.NewSGD(optim.SGDConfig{LR: opts.lr, Momentum: opts.momentum}), nil
	case "adam":
		return optim.NewAdam(optim.AdamConfig{LR: opts.lr}), nil
	}
	return nil, errors.Errorf("unknown optimizer %q", opts.optimizer)
}

func train(cmd *cobra.Command, opts *trainOptions) (err error) {
	if opts.steps <= 0 {
		return errors.Errorf("--steps must be positive, got %d", opts.steps)
	}
	cfg, err := loadConfig(&opts.runOptions)
	if err != nil {
		return err
	}
	ctx, err := execution.BuildContext(cfg)
	if err != nil {
		return err
	}
	opt, err := newOptimizer(opts)
	if err != nil {
		return err
	}
	defer func() {
		opt.Release()
		if live := ctx.Allocator().Stats().Live; live != 0 && err == nil {
			err = errors.Errorf("%d tensors still live after training", live)
		}
	}()
	klog.V(1).Infof("training mlp on %s with %s (lr=%g, steps=%d, function=%t)",
		ctx.Name(), opts.optimizer, opt.LR(), opts.steps, opts.function)

	losses, err := models.TrainMLP(ctx, opt, models.TrainConfig{Steps: opts.steps, UseFunction: opts.function})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, loss := range losses {
		fmt.Fprintf(out, "step %-4d loss %.6g\n", i, loss)
	}
	return nil
}

func loadConfig(opts *runOptions) (execution.Config, error) {
	cfg := execution.DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = execution.LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	if opts.runtime != "" {
		cfg.Runtime = opts.runtime
	}
	if opts.tracing != "" {
		cfg.Tracing = opts.tracing
	}
	return cfg, cfg.Validate()
}

func runModel(cmd *cobra.Command, opts *runOptions, name string) error {
	m, err := models.Lookup(name)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	ctx, err := execution.BuildContext(cfg)
	if err != nil {
		return err
	}
	klog.V(1).Infof("running %s on %s (runtime=%s, tracing=%s, function=%t)",
		m.Name, ctx.Name(), cfg.Runtime, cfg.Tracing, opts.function)

	values, err := m.Run(ctx, opts.input, opts.function)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	named := make(map[string]*tensor.Value, len(values))
	for i, v := range values {
		label := fmt.Sprintf("output %d", i)
		if i < len(m.Outputs) {
			label = m.Outputs[i]
		}
		fmt.Fprintf(out, "%-10s %s\n", label, formatValue(v))
		if v != nil {
			named[label] = v
		}
	}
	if opts.savePath != "" {
		meta := map[string]string{
			"model":    m.Name,
			"runtime":  cfg.Runtime,
			"tracing":  cfg.Tracing,
			"function": fmt.Sprint(opts.function),
		}
		if err := serialization.WriteSafeTensors(opts.savePath, named, meta); err != nil {
			return errors.Wrapf(err, "saving outputs to %s", opts.savePath)
		}
		fmt.Fprintf(out, "saved %d tensors to %s\n", len(named), opts.savePath)
	}

	stats := ctx.Allocator().Stats()
	fmt.Fprintf(out, "tensors: %s allocated, %s live, peak %s\n",
		humanize.Comma(int64(stats.Allocated)), humanize.Comma(int64(stats.Live)),
		humanize.IBytes(uint64(stats.PeakBytes)))
	if stats.Live != 0 {
		return errors.Errorf("%d tensors still live after run", stats.Live)
	}
	return nil
}

func formatValue(v *tensor.Value) string {
	if v == nil {
		return "<no gradient>"
	}
	parts := make([]string, len(v.Data))
	for i, x := range v.Data {
		parts[i] = fmt.Sprintf("%.6g", x)
	}
	if len(v.Shape) == 0 {
		return parts[0]
	}
	return fmt.Sprintf("%s [%s]", v.Shape, strings.Join(parts, " "))
}

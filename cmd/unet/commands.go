package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"
	"github.com/sugarme/gotch/ts"
	"github.com/youta-t/flarc"
	"golang.org/x/image/draw"

	"github.com/sugarme/unetseg/config"
	"github.com/sugarme/unetseg/imageio"
	"github.com/sugarme/unetseg/summary"
	"github.com/sugarme/unetseg/unet"
)

// ErrShapeMismatch is returned by check when the model output shape is not
// [batch classes height width].
var ErrShapeMismatch = errors.New("unexpected output shape")

// modelFlag is the set of flags every subcommand uses to build a model.
type modelFlag struct {
	Config  string
	Variant string
	Classes int
	Weights string
	Cuda    bool
	Quiet   bool
}

func (f modelFlag) logger(c interface{ Stderr() io.Writer }) *log.Logger {
	if f.Quiet {
		return log.New(io.Discard, "", log.LstdFlags)
	}
	return log.New(c.Stderr(), "", log.LstdFlags)
}

// resolve loads the config file (if any) and applies command line overrides.
func (f modelFlag) resolve() (*config.Config, error) {
	conf := config.Default()
	if f.Config != "" {
		var err error
		if conf, err = config.Load(f.Config); err != nil {
			return nil, err
		}
	}
	if f.Variant != "" {
		conf.Variant = f.Variant
	}
	if f.Classes > 0 {
		conf.NumClasses = int64(f.Classes)
	}
	if f.Cuda {
		conf.DeviceName = "cuda"
	}
	return conf, nil
}

// model is a built network with its variable store.
type model struct {
	net    *unet.UNet
	vs     *nn.VarStore
	device gotch.Device
}

// build creates the model on the configured device and loads weights
// when a weight file is given.
func (f modelFlag) build(logger *log.Logger) (*model, error) {
	conf, err := f.resolve()
	if err != nil {
		return nil, err
	}
	mc, err := conf.Model()
	if err != nil {
		return nil, err
	}

	device := conf.Device()
	vs := nn.NewVarStore(device)
	net, err := unet.New(vs.Root(), mc)
	if err != nil {
		return nil, err
	}

	if f.Weights != "" {
		if err := vs.Load(f.Weights); err != nil {
			return nil, fmt.Errorf("loading weights %q: %w", f.Weights, err)
		}
		logger.Printf("weights loaded from %s\n", f.Weights)
	}

	logger.Printf(
		"model: %s, classes=%d, widths=%v, upsampling=%v, parameters=%d, device=%v\n",
		conf.Variant, mc.NumClasses, mc.Widths, mc.Upsample, net.NumParameters(), device,
	)
	return &model{net: net, vs: vs, device: device}, nil
}

type SummaryFlag struct {
	Config  string `flag:"config" help:"Path to a yaml model config file."`
	Variant string `flag:"variant" help:"Model variant: unet or unet-small. Overrides config."`
	Classes int    `flag:"classes" help:"Number of classes. Overrides config when positive."`
	CSV     string `flag:"csv" help:"Write the parameter table as CSV to this file."`
	Chart   string `flag:"chart" help:"Write a parameter count per stage bar chart to this file (png, svg, pdf)."`
	Vars    bool   `flag:"vars" help:"Also print every variable store entry with its shape."`
	Quiet   bool   `flag:"quiet" help:"Suppress log output."`
}

func newSummary() (flarc.Command, error) {
	return flarc.NewCommand(
		"Print learned parameter count per stage.",
		SummaryFlag{},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[SummaryFlag], a []any) error {
			flags := c.Flags()
			mf := modelFlag{Config: flags.Config, Variant: flags.Variant, Classes: flags.Classes, Quiet: flags.Quiet}
			logger := mf.logger(c)

			m, err := mf.build(logger)
			if err != nil {
				return err
			}
			net := m.net
			params := net.Parameters()

			if flags.Vars {
				if err := summary.PrintVars(c.Stdout(), m.vs); err != nil {
					return err
				}
			}
			if err := summary.Print(c.Stdout(), params); err != nil {
				return err
			}

			if flags.CSV != "" {
				if err := writeFile(flags.CSV, func(w io.Writer) error {
					return summary.WriteCSV(w, params)
				}); err != nil {
					return err
				}
				logger.Printf("parameter table written to %s\n", flags.CSV)
			}

			if flags.Chart != "" {
				title := fmt.Sprintf("%v parameters per stage", net.NumParameters())
				if err := summary.SaveChart(flags.Chart, params, title); err != nil {
					return err
				}
				logger.Printf("chart written to %s\n", flags.Chart)
			}
			return nil
		},
	)
}

type CheckFlag struct {
	Config  string `flag:"config" help:"Path to a yaml model config file."`
	Variant string `flag:"variant" help:"Model variant: unet or unet-small. Overrides config."`
	Classes int    `flag:"classes" help:"Number of classes. Overrides config when positive."`
	Batch   int    `flag:"batch" help:"Batch size of the random input."`
	Height  int    `flag:"height" help:"Height of the random input."`
	Width   int    `flag:"width" help:"Width of the random input."`
	Cuda    bool   `flag:"cuda" help:"Run on CUDA when available."`
	Quiet   bool   `flag:"quiet" help:"Suppress log output."`
}

func newCheck() (flarc.Command, error) {
	return flarc.NewCommand(
		"Forward a random batch and verify the output shape.",
		CheckFlag{Batch: 1, Height: 256, Width: 256},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[CheckFlag], a []any) error {
			flags := c.Flags()
			mf := modelFlag{Config: flags.Config, Variant: flags.Variant, Classes: flags.Classes, Cuda: flags.Cuda, Quiet: flags.Quiet}
			logger := mf.logger(c)

			m, err := mf.build(logger)
			if err != nil {
				return err
			}
			net, device := m.net, m.device

			inSize := []int64{int64(flags.Batch), net.Config().InChannels, int64(flags.Height), int64(flags.Width)}
			x := ts.MustRand(inSize, gotch.Float, device)
			defer x.MustDrop()

			logit, err := net.Predict(x)
			if err != nil {
				return err
			}
			defer logit.MustDrop()

			outSize := logit.MustSize()
			fmt.Fprintf(c.Stdout(), "input:  %v\noutput: %v\n", inSize, outSize)

			want := []int64{inSize[0], net.NumClasses(), inSize[2], inSize[3]}
			if fmt.Sprint(want) != fmt.Sprint(outSize) {
				return fmt.Errorf("%w: expected %v, got %v", ErrShapeMismatch, want, outSize)
			}
			return nil
		},
	)
}

type BenchFlag struct {
	Config  string `flag:"config" help:"Path to a yaml model config file."`
	Variant string `flag:"variant" help:"Model variant: unet or unet-small. Overrides config."`
	Classes int    `flag:"classes" help:"Number of classes. Overrides config when positive."`
	Batch   int    `flag:"batch" help:"Batch size."`
	Height  int    `flag:"height" help:"Input height."`
	Width   int    `flag:"width" help:"Input width."`
	Iter    int    `flag:"iter" help:"Number of forward passes."`
	Cuda    bool   `flag:"cuda" help:"Run on CUDA when available."`
	Quiet   bool   `flag:"quiet" help:"Suppress log output and progress bar."`
}

func newBench() (flarc.Command, error) {
	return flarc.NewCommand(
		"Measure mean latency of evaluation forward passes.",
		BenchFlag{Batch: 1, Height: 256, Width: 256, Iter: 10},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[BenchFlag], a []any) error {
			flags := c.Flags()
			mf := modelFlag{Config: flags.Config, Variant: flags.Variant, Classes: flags.Classes, Cuda: flags.Cuda, Quiet: flags.Quiet}
			logger := mf.logger(c)

			if flags.Iter <= 0 {
				return fmt.Errorf("iter must be positive, got %d", flags.Iter)
			}

			m, err := mf.build(logger)
			if err != nil {
				return err
			}
			net, device := m.net, m.device

			x := ts.MustRand([]int64{int64(flags.Batch), net.Config().InChannels, int64(flags.Height), int64(flags.Width)}, gotch.Float, device)
			defer x.MustDrop()
			if err := net.CheckInput(x); err != nil {
				return err
			}

			bar := pb.New(flags.Iter)
			if flags.Quiet {
				bar.SetWriter(io.Discard)
			} else {
				bar.SetWriter(c.Stderr())
			}
			bar.Start()

			var elapsed time.Duration
			for i := 0; i < flags.Iter; i++ {
				if err := ctx.Err(); err != nil {
					bar.Finish()
					return err
				}
				start := time.Now()
				logit, err := net.Predict(x)
				if err != nil {
					bar.Finish()
					return err
				}
				logit.MustDrop()
				elapsed += time.Since(start)
				bar.Increment()
			}
			bar.Finish()

			mean := elapsed / time.Duration(flags.Iter)
			fmt.Fprintf(c.Stdout(), "%d iterations, mean latency %v (%v per image)\n",
				flags.Iter, mean, mean/time.Duration(flags.Batch))
			return nil
		},
	)
}

type PredictFlag struct {
	Config  string `flag:"config" help:"Path to a yaml model config file."`
	Variant string `flag:"variant" help:"Model variant: unet or unet-small. Overrides config."`
	Classes int    `flag:"classes" help:"Number of classes. Overrides config when positive."`
	Weights string `flag:"weights" help:"Path to a saved variable store to load."`
	Input   string `flag:"input" help:"Input image (png, jpeg, tiff)."`
	Output  string `flag:"output" help:"Output mask image (png)."`
	Overlay string `flag:"overlay" help:"Output overlay image. Defaults to <output>_overlay.png."`
	RLE     string `flag:"rle" help:"Write the mask run-length encoding as CSV (id,encoding) to this file."`
	Size    int    `flag:"size" help:"Downscale the input so its longest side is at most this size. 0 keeps the input size."`
	Cuda    bool   `flag:"cuda" help:"Run on CUDA when available."`
	Quiet   bool   `flag:"quiet" help:"Suppress log output."`
}

func newPredict() (flarc.Command, error) {
	return flarc.NewCommand(
		"Segment an image and write the mask and an overlay.",
		PredictFlag{Output: "mask.png"},
		flarc.Args{},
		func(ctx context.Context, c flarc.Commandline[PredictFlag], a []any) error {
			flags := c.Flags()
			mf := modelFlag{Config: flags.Config, Variant: flags.Variant, Classes: flags.Classes, Weights: flags.Weights, Cuda: flags.Cuda, Quiet: flags.Quiet}
			logger := mf.logger(c)

			if flags.Input == "" {
				return fmt.Errorf("%w: input image is required", flarc.ErrUsage)
			}

			m, err := mf.build(logger)
			if err != nil {
				return err
			}
			net, device := m.net, m.device

			img, err := imageio.Read(flags.Input)
			if err != nil {
				return err
			}
			bounds := img.Bounds()

			x := imageio.ToTensor(imageio.Fit(img, flags.Size)).MustTo(device, true)
			defer x.MustDrop()

			logit, err := net.Predict(x)
			if err != nil {
				return err
			}
			logit = logit.MustTo(gotch.CPU, true)
			defer logit.MustDrop()

			mask, err := imageio.MaskFromLogits(logit)
			if err != nil {
				return err
			}
			full := imageio.ResizeMask(mask, bounds.Dx(), bounds.Dy())

			if err := imageio.Save(full, flags.Output); err != nil {
				return err
			}
			logger.Printf("mask written to %s\n", flags.Output)

			overlay := flags.Overlay
			if overlay == "" {
				overlay = strings.TrimSuffix(flags.Output, filepath.Ext(flags.Output)) + "_overlay.png"
			}
			red := color.RGBA{R: 255, A: 255}
			if err := imageio.Save(imageio.Overlay(img, full, red, 128), overlay); err != nil {
				return err
			}
			logger.Printf("overlay written to %s\n", overlay)

			if flags.RLE != "" {
				id := strings.TrimSuffix(filepath.Base(flags.Input), filepath.Ext(flags.Input))
				rles := map[string][]int{id: imageio.EncodeRLE(grayMask(full))}
				if err := writeFile(flags.RLE, func(w io.Writer) error {
					return imageio.WriteRLE(w, []string{id}, rles)
				}); err != nil {
					return err
				}
				logger.Printf("run-length encoding written to %s\n", flags.RLE)
			}
			return nil
		},
	)
}

// writeFile creates path and writes to it with write.
func writeFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// grayMask returns mask as *image.Gray, converting when needed.
func grayMask(mask image.Image) *image.Gray {
	if g, ok := mask.(*image.Gray); ok {
		return g
	}
	b := mask.Bounds()
	g := image.NewGray(b)
	draw.Draw(g, b, mask, b.Min, draw.Src)
	return g
}

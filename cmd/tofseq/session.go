package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/tofseq/internal/imager"
	"github.com/banshee-data/tofseq/internal/timeutil"
	"github.com/banshee-data/tofseq/internal/usecase"
)

type sessionOptions struct {
	Command   string
	Duration  time.Duration
	Exposures []uint32
	Clock     timeutil.Clock
	Out       io.Writer

	// Hold keeps an executed use case loaded until ctx is cancelled.
	Hold bool
}

// parseExposures reads a comma separated list of exposure times in
// microseconds. An empty string yields nil.
func parseExposures(s string) ([]uint32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []uint32
	for _, f := range strings.Split(s, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid exposure time %q: %w", f, err)
		}
		out = append(out, uint32(v))
	}
	return out, nil
}

// runSession powers the sensor up, executes uc and, for capture, runs it
// until the duration elapses or ctx is cancelled. The sensor is put back to
// sleep on the way out.
func runSession(ctx context.Context, im *imager.Imager, uc *usecase.UseCase, opts sessionOptions) (err error) {
	if err := im.Wake(); err != nil {
		return err
	}
	defer func() {
		if im.State() == imager.Capturing {
			if stopErr := im.StopCapture(); stopErr != nil && err == nil {
				err = stopErr
			}
		}
		if sleepErr := im.Sleep(); sleepErr != nil && err == nil {
			err = sleepErr
		}
	}()

	if err := im.Initialize(); err != nil {
		return err
	}
	if err := im.ExecuteUseCase(uc); err != nil {
		return err
	}
	window, err := im.MaxSafeReconfigMillis()
	if err != nil {
		return err
	}
	sizes, err := im.GetMeasurementBlockSizes()
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Out, "executed %s (%s)\n", uc.TypeName, uc.ID)
	fmt.Fprintf(opts.Out, "max safe reconfig window: %d ms\n", window)
	fmt.Fprintf(opts.Out, "measurement block sizes: %v\n", sizes)
	if opts.Command != "capture" {
		if opts.Hold {
			<-ctx.Done()
		}
		return nil
	}

	if err := im.StartCapture(); err != nil {
		return err
	}
	if opts.Duration > 0 {
		fmt.Fprintf(opts.Out, "capturing for %s\n", opts.Duration)
	} else {
		fmt.Fprintln(opts.Out, "capturing until interrupted")
	}

	// exposure changes are applied halfway through the capture
	half, rest := opts.Duration/2, opts.Duration-opts.Duration/2
	if len(opts.Exposures) > 0 {
		if opts.Duration > 0 && !wait(ctx, opts.Clock, half) {
			return nil
		}
		idx, err := im.ReconfigureExposureTimes(opts.Exposures)
		if err != nil {
			return err
		}
		fmt.Fprintf(opts.Out, "exposure times %v from frame %d\n", opts.Exposures, idx)
		// there is no acquisition side here to consume the index
		if err := im.AcknowledgeReconfig(idx); err != nil {
			return err
		}
	} else {
		rest = opts.Duration
	}
	if !wait(ctx, opts.Clock, rest) {
		return nil
	}
	if err := im.StopCapture(); err != nil {
		return err
	}
	fmt.Fprintln(opts.Out, "capture stopped")
	return nil
}

// wait blocks for d and reports false if ctx was cancelled first. A zero d
// waits for ctx only.
func wait(ctx context.Context, clock timeutil.Clock, d time.Duration) bool {
	if d <= 0 {
		<-ctx.Done()
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-clock.After(d):
		return true
	}
}

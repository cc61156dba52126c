package assistant

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/skypro1111/voice-mentor/internal/device"
)

// Teardown steps, in the order they run
const (
	stepCloseSession      = "close_session"
	stepDisconnectCapture = "disconnect_capture"
	stepStopSources       = "stop_sources"
	stepCloseInput        = "close_input"
	stepCloseOutput       = "close_output"
)

// teardown releases every resource of the current attempt. Each step runs in
// isolation so a failing step never skips the ones after it. Concurrent calls
// are serialised and only the first one for an attempt does any work.
func (c *Controller) teardown() bool {
	c.teardownMu.Lock()
	defer c.teardownMu.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	c.attempt++
	session := c.session
	cancelDial := c.cancelDial
	pipeline := c.pipeline
	stream := c.stream
	scheduler := c.scheduler
	input := c.input
	output := c.output
	startedAt := c.startedAt
	c.session = nil
	c.cancelDial = nil
	c.pipeline = nil
	c.stream = nil
	c.scheduler = nil
	c.input = nil
	c.output = nil
	c.mu.Unlock()

	began := time.Now()
	stopped := 0

	c.runStep(stepCloseSession, func() error {
		if cancelDial != nil {
			cancelDial()
		}
		if session == nil {
			return nil
		}
		return session.Close()
	})

	c.runStep(stepDisconnectCapture, func() error {
		var errs []error
		if pipeline != nil {
			errs = append(errs, pipeline.Disconnect())
		}
		if stream != nil {
			errs = append(errs, stream.Stop())
		}
		return errors.Join(errs...)
	})

	c.runStep(stepStopSources, func() error {
		if scheduler == nil {
			return nil
		}
		n, err := scheduler.Close()
		stopped = n
		return err
	})

	c.runStep(stepCloseInput, func() error {
		if input == nil || input.State() == device.StateClosed {
			return nil
		}
		return input.Close()
	})

	c.runStep(stepCloseOutput, func() error {
		if output == nil || output.State() == device.StateClosed {
			return nil
		}
		return output.Close()
	})

	c.mu.Lock()
	c.setStatusLocked(StatusIdle)
	c.active = false
	c.mu.Unlock()

	c.metrics.RecordTeardown(time.Since(began).Seconds(), time.Since(startedAt).Seconds(), stopped)
	c.logger.Info("Conversation torn down",
		slog.Duration("duration", time.Since(startedAt)),
		slog.Int("sources_stopped", stopped),
	)
	return true
}

// runStep runs one teardown step, absorbing panics and expected release races
func (c *Controller) runStep(name string, step func() error) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return step()
	}()

	if err == nil {
		return
	}
	if errors.Is(err, device.ErrClosed) || errors.Is(err, device.ErrSourceStopped) {
		c.logger.Debug("Resource already released", slog.String("step", name))
		return
	}

	c.metrics.RecordTeardownStepFailure(name)
	c.logger.Warn("Teardown step failed",
		slog.String("step", name),
		slog.String("error", err.Error()),
	)
}

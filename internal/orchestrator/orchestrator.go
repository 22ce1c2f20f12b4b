// Package orchestrator submits commands: it issues them to the MDM server, registers
// an acknowledgment expectation, wakes the device and optionally waits for the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mdmrelay/mdm-agent/internal/command"
	"github.com/mdmrelay/mdm-agent/internal/correlate"
)

const (
	DefaultTimeout     = 60 * time.Second
	DefaultConcurrency = 8
)

// Issuer sends a command to the MDM server.
type Issuer interface {
	Issue(ctx context.Context, cmd command.Command) (command.Receipt, error)
}

// Waker nudges a device to check in and fetch its queued commands.
type Waker interface {
	Wake(ctx context.Context, udid string) error
}

// Options controls a single submission.
type Options struct {
	WaitForAck bool
	Wake       bool
	Timeout    time.Duration // expectation lifetime, zero for the default
}

// State is where a submission ended up.
type State string

const (
	StateRejected State = "rejected"
	StateAccepted State = "accepted"
	StateResolved State = "resolved"
	StateError    State = "error"
)

// Result is the per-device result of a submission.
type Result struct {
	Command  command.Command
	State    State
	Receipt  command.Receipt
	Outcome  correlate.Outcome // set when State is StateResolved
	Err      error
	Duration time.Duration
}

// OK reports whether the command was accepted (when not waiting) or acknowledged.
func (r Result) OK() bool {
	switch r.State {
	case StateAccepted:
		return true
	case StateResolved:
		return r.Outcome.Status == correlate.Success
	default:
		return false
	}
}

// Config wires an Orchestrator.
type Config struct {
	Issuer         Issuer
	Waker          Waker // optional
	Correlator     *correlate.Correlator
	DefaultTimeout time.Duration
	Concurrency    int
	Logger         *log.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	issuer         Issuer
	waker          Waker
	correlator     *correlate.Correlator
	defaultTimeout time.Duration
	concurrency    int
	logger         *log.Logger
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("orchestrator: nil issuer")
	}
	if cfg.Correlator == nil {
		return nil, errors.New("orchestrator: nil correlator")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Orchestrator{
		issuer:         cfg.Issuer,
		waker:          cfg.Waker,
		correlator:     cfg.Correlator,
		defaultTimeout: cfg.DefaultTimeout,
		concurrency:    cfg.Concurrency,
		logger:         cfg.Logger,
	}, nil
}

// Submit issues one command to one device. A rejected command returns a
// StateRejected result and nothing is registered. The returned error is non-nil only
// when the issuer could not be reached or ctx ended while waiting.
func (o *Orchestrator) Submit(ctx context.Context, tag command.Tag, deviceID string, params command.Params, opts Options) (Result, error) {
	start := time.Now()
	cmd := command.New(tag, deviceID, params)
	res := Result{Command: cmd}

	receipt, err := o.issuer.Issue(ctx, cmd)
	if err != nil {
		res.State = StateError
		res.Err = fmt.Errorf("issue %s to %s: %w", tag, deviceID, err)
		res.Duration = time.Since(start)
		return res, res.Err
	}
	res.Receipt = receipt
	if !receipt.Accepted {
		o.logger.Printf("%s for %s rejected: http %d %s", tag, deviceID, receipt.StatusCode, receipt.Body)
		res.State = StateRejected
		res.Duration = time.Since(start)
		return res, nil
	}
	cmd = cmd.WithCommandUUID(receipt.CommandUUID)
	res.Command = cmd

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}
	h := o.correlator.Register(cmd, timeout)

	if opts.Wake {
		if o.waker == nil {
			o.logger.Printf("No push waker configured, %s will pick up %s on its next check-in", deviceID, tag)
		} else if err := o.waker.Wake(ctx, deviceID); err != nil {
			o.logger.Printf("Wake-up for %s failed: %v", deviceID, err)
		}
	}

	if !opts.WaitForAck {
		res.State = StateAccepted
		res.Duration = time.Since(start)
		return res, nil
	}

	outcome, err := o.correlator.Await(ctx, h)
	res.State = StateResolved
	res.Outcome = outcome
	res.Duration = time.Since(start)
	if err != nil {
		res.Err = err
		return res, err
	}
	o.logger.Printf("%s for %s: %s", tag, deviceID, outcome.Status)
	return res, nil
}

// SubmitAll submits the same command to every device with bounded concurrency. Results
// are in input order and each carries its own error.
func (o *Orchestrator) SubmitAll(ctx context.Context, tag command.Tag, deviceIDs []string, params command.Params, opts Options) []Result {
	results := make([]Result, len(deviceIDs))

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range deviceIDs {
		i, id := i, id
		g.Go(func() error {
			res, err := o.Submit(ctx, tag, id, params, opts)
			res.Err = err
			results[i] = res
			return nil
		})
	}
	g.Wait()
	return results
}

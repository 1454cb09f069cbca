package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
)

// Controller is the part of service.Service needed to stop a service.
type Controller interface {
	Stop() error
	Status() (service.Status, error)
}

type program struct{}

func (p *program) Start(service.Service) error { return nil }
func (p *program) Stop(service.Service) error  { return nil }

// OpenService returns the host service manager's handle for name.
func OpenService(name string) (Controller, error) {
	s, err := service.New(&program{}, &service.Config{Name: name})
	if err != nil {
		return nil, fmt.Errorf("deploy: open service %s: %w", name, err)
	}
	return s, nil
}

// StopServices stops every service at once, then waits for each to report
// stopped. Services that are not installed are skipped. A service that cannot
// be opened fails on its own without holding back the others.
type StopServices struct {
	names   []string
	open    func(string) (Controller, error)
	timeout time.Duration
	poll    time.Duration
	dryRun  bool
}

// NewStopServices stops names through open, which defaults to OpenService.
func NewStopServices(names []string, open func(string) (Controller, error), timeout, poll time.Duration, dryRun bool) *StopServices {
	if open == nil {
		open = OpenService
	}
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	if timeout < poll {
		timeout = poll
	}
	return &StopServices{names: names, open: open, timeout: timeout, poll: poll, dryRun: dryRun}
}

func (s *StopServices) Name() string { return "stop services" }

func (s *StopServices) Run(ctx context.Context) error {
	errs := make([]error, len(s.names))
	var wg sync.WaitGroup
	for i, name := range s.names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.stop(ctx, name)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *StopServices) stop(ctx context.Context, name string) error {
	log := logrus.WithField("service", name)

	svc, err := s.open(name)
	if err != nil {
		return fmt.Errorf("%s: open: %w", name, err)
	}
	status, err := svc.Status()
	if errors.Is(err, service.ErrNotInstalled) {
		log.Debug("service not installed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("%s: status: %w", name, err)
	}
	if status == service.StatusStopped {
		log.Debug("service already stopped")
		return nil
	}
	if s.dryRun {
		log.Info("would stop service")
		return nil
	}

	log.Info("stopping service")
	if err := svc.Stop(); err != nil {
		return fmt.Errorf("%s: stop: %w", name, err)
	}

	err = retry.Do(func() error {
		status, err := svc.Status()
		if err != nil {
			return err
		}
		if status != service.StatusStopped {
			return fmt.Errorf("%s is still running", name)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(s.timeout/s.poll)+1),
		retry.Delay(s.poll),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%s: wait for stop: %w", name, err)
	}
	log.Info("service stopped")
	return nil
}

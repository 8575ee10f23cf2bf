/*
 * fleetd
 * Copyright (C) 2025  Openclaw, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package service assembles the control plane from its parts and runs it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/fleetd"
	"github.com/openclaw/fleetd/lib/agentconf"
	"github.com/openclaw/fleetd/lib/config"
	"github.com/openclaw/fleetd/lib/defaults"
	"github.com/openclaw/fleetd/lib/healthcheck"
	"github.com/openclaw/fleetd/lib/mail"
	"github.com/openclaw/fleetd/lib/orchestrator"
	"github.com/openclaw/fleetd/lib/ports"
	"github.com/openclaw/fleetd/lib/proxy"
	"github.com/openclaw/fleetd/lib/reaper"
	"github.com/openclaw/fleetd/lib/runtime"
	"github.com/openclaw/fleetd/lib/secrets"
	"github.com/openclaw/fleetd/lib/storage"
	"github.com/openclaw/fleetd/lib/utils"
)

// Option overrides a dependency, used by tests and embedders.
type Option func(*Service)

// WithRuntime substitutes the container runtime.
func WithRuntime(rt runtime.Runtime) Option {
	return func(s *Service) { s.runtime = rt }
}

// WithBackend substitutes the storage backend.
func WithBackend(b storage.Backend) Option {
	return func(s *Service) { s.backend = b }
}

// WithMailer substitutes the mail transport.
func WithMailer(m mail.Mailer) Option {
	return func(s *Service) { s.mailer = m }
}

// WithClock substitutes the clock.
func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// Service is the assembled control plane.
type Service struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clockwork.Clock

	backend storage.Backend
	runtime runtime.Runtime
	mailer  mail.Mailer

	monitor      *healthcheck.Monitor
	orchestrator *orchestrator.Orchestrator
	reaper       *reaper.Reaper
	proxyHandler *proxy.Handler

	proxySrv *http.Server
	diagSrv  *http.Server
}

// New wires the control plane together. It connects to storage and the
// container runtime but does not start serving; call Run for that.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, trace.BadParameter("missing config")
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &Service{
		cfg:   cfg,
		log:   slog.With(fleetd.ComponentKey, fleetd.ComponentService),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.backend == nil {
		if cfg.MongoURI == "" {
			s.log.WarnContext(ctx, "No MongoDB URI configured, using the in-memory backend. All state is lost on restart.")
			s.backend = storage.NewMemoryBackend(s.clock)
		} else {
			backend, err := storage.NewMongoBackend(ctx, storage.MongoConfig{
				URI:      cfg.MongoURI,
				Database: cfg.MongoDatabase,
			})
			if err != nil {
				return nil, trace.Wrap(err)
			}
			s.backend = backend
		}
	}
	if s.runtime == nil {
		rt, err := runtime.NewDockerRuntime()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := rt.Ping(ctx); err != nil {
			return nil, trace.Wrap(err, "container runtime is unreachable")
		}
		s.runtime = rt
	}
	if s.mailer == nil {
		mailer, err := buildMailer(cfg)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.mailer = mailer
	}

	box, err := secrets.NewBox(cfg.EncryptionKey, cfg.SecretsMigrationMode)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	allocator, err := ports.NewAllocator(ports.AllocatorConfig{
		Min:         cfg.MinAgentPort,
		Max:         cfg.MaxAgentPort,
		Deployments: s.backend.Deployments(),
		Runtime:     s.runtime,
		Log:         slog.With(fleetd.ComponentKey, fleetd.ComponentPorts),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	materializer, err := agentconf.NewMaterializer(agentconf.MaterializerConfig{
		DataPath:    cfg.DataPath,
		GatewayPort: cfg.AgentInternalPort,
		Clock:       s.clock,
		Log:         slog.With(fleetd.ComponentKey, fleetd.ComponentAgentConf),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.monitor, err = healthcheck.NewMonitor(healthcheck.MonitorConfig{
		Interval:    cfg.HealthCheckInterval,
		DialTimeout: defaults.HealthCheckDialTimeout,
		Timeout:     cfg.HealthCheckTimeout,
		Clock:       s.clock,
		Log:         slog.With(fleetd.ComponentKey, fleetd.ComponentHealth),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.orchestrator, err = orchestrator.New(orchestrator.Config{
		Deployments:      s.backend.Deployments(),
		Users:            s.backend.Users(),
		Runtime:          s.runtime,
		Allocator:        allocator,
		Materializer:     materializer,
		Monitor:          s.monitor,
		Box:              box,
		Image:            cfg.AgentImage,
		ContainerPrefix:  cfg.ContainerPrefix,
		InternalPort:     cfg.AgentInternalPort,
		MaxRunningAgents: cfg.MaxRunningAgents,
		MaxDeployments:   cfg.MaxDeployments,
		MemoryLimit:      cfg.AgentMemoryLimit,
		CPUNano:          cfg.AgentCPUNano,
		MaxRestarts:      cfg.AgentMaxRestarts,
		Clock:            s.clock,
		Log:              slog.With(fleetd.ComponentKey, fleetd.ComponentOrchestrator),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	waker, err := proxy.NewWaker(proxy.WakerConfig{
		Deployments: s.backend.Deployments(),
		Agents:      s.orchestrator,
		Clock:       s.clock,
		Log:         slog.With(fleetd.ComponentKey, fleetd.ComponentProxy),
		// The handler does not exist yet; resolve it at call time.
		OnDone: func(subdomain string) {
			if s.proxyHandler != nil {
				s.proxyHandler.InvalidateCache(subdomain)
			}
		},
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	s.proxyHandler, err = proxy.NewHandler(proxy.HandlerConfig{
		Deployments: s.backend.Deployments(),
		Waker:       waker,
		Domain:      cfg.Domain,
		Clock:       s.clock,
		Log:         slog.With(fleetd.ComponentKey, fleetd.ComponentProxy),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	s.reaper, err = reaper.New(reaper.Config{
		Deployments:    s.backend.Deployments(),
		Users:          s.backend.Users(),
		Runtime:        s.runtime,
		Mailer:         s.mailer,
		IdleTimeout:    cfg.IdleTimeout,
		ReminderWindow: cfg.ReminderWindow,
		Clock:          s.clock,
		Log:            slog.With(fleetd.ComponentKey, fleetd.ComponentReaper),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := utils.RegisterPrometheusCollectors(proxy.Collectors()...); err != nil {
		return nil, trace.Wrap(err)
	}

	s.proxySrv = &http.Server{
		Addr:              cfg.ProxyAddr,
		Handler:           s.proxyHandler,
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	s.diagSrv = &http.Server{
		Addr:              cfg.DiagAddr,
		Handler:           s.newDiagHandler(),
		ReadHeaderTimeout: defaults.ReadHeadersTimeout,
	}
	return s, nil
}

func buildMailer(cfg *config.Config) (mail.Mailer, error) {
	switch {
	case cfg.MailgunDomain != "":
		return mail.NewMailgunMailer(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailSender)
	case cfg.SMTPHost != "":
		return mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Sender:   cfg.MailSender,
		})
	default:
		return mail.DiscardMailer{}, nil
	}
}

// Orchestrator exposes the deployment lifecycle driver to embedders.
func (s *Service) Orchestrator() *orchestrator.Orchestrator {
	return s.orchestrator
}

// Backend exposes the storage backend to embedders.
func (s *Service) Backend() storage.Backend {
	return s.backend
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.log.InfoContext(ctx, "Starting fleetd.",
		"version", fleetd.Version,
		"proxy_addr", s.cfg.ProxyAddr,
		"diag_addr", s.cfg.DiagAddr)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.proxySrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		if err := s.diagSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return trace.Wrap(err)
		}
		return nil
	})
	group.Go(func() error {
		return trace.Wrap(s.reaper.Run(groupCtx))
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return trace.Wrap(s.shutdown())
	})

	err := group.Wait()
	if closeErr := s.Close(context.Background()); closeErr != nil {
		s.log.WarnContext(ctx, "Shutdown cleanup failed.", "error", closeErr)
	}
	return trace.Wrap(err)
}

func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaults.ShutdownTimeout)
	defer cancel()
	var errs []error
	errs = append(errs, s.proxySrv.Shutdown(ctx))
	errs = append(errs, s.diagSrv.Shutdown(ctx))
	return trace.NewAggregate(errs...)
}

// Close releases connections. Containers keep running: the control plane
// restarting must not take tenants down.
func (s *Service) Close(ctx context.Context) error {
	var errs []error
	errs = append(errs, s.monitor.Close())
	errs = append(errs, s.backend.Close(ctx))
	if closer, ok := s.runtime.(interface{ Close() error }); ok {
		errs = append(errs, closer.Close())
	}
	return trace.NewAggregate(errs...)
}

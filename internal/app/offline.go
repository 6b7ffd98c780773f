package app

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"taskd/internal/api"
	"taskd/internal/config"
	"taskd/internal/jobs"
	"taskd/internal/storage"
	"taskd/internal/task/executor"
	"taskd/internal/task/runner"
	logx "taskd/pkg/logx"
)

// ErrDaemonRunning reports that the configured API address is already bound,
// which a serving taskd does before it dispatches anything.
var ErrDaemonRunning = errors.New("a taskd daemon owns this store")

// Offline is a registry over the configured store with no scheduler, API
// or notifier. It backs the jobs subcommands.
type Offline struct {
	Registry *jobs.Registry
	apiAddr  string
	store    storage.Store
	logs     *logx.Service
}

// APIAddr is the address a daemon over the same config listens on.
func (o *Offline) APIAddr() string { return o.apiAddr }

// Exclusive runs fn while holding the API address, so no daemon over the
// same config can start dispatching until fn returns. It returns
// ErrDaemonRunning without calling fn when the address is taken.
func (o *Offline) Exclusive(fn func() error) error {
	ln, err := net.Listen("tcp", o.apiAddr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return ErrDaemonRunning
		}
		return err
	}
	return errors.Join(fn(), ln.Close())
}

func OpenOffline(ctx context.Context, cfgPath string) (*Offline, error) {
	cfg := config.Default()
	if cfgPath != "" {
		var err error
		if cfg, err = config.NewConfigManager(cfgPath).Load(); err != nil {
			return nil, err
		}
	}
	logSvc, log := logx.New(mapLogging(cfg))
	sc, err := mapStorage(cfg, false)
	if err != nil {
		return nil, errors.Join(err, logSvc.Close())
	}
	st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Join(err, logSvc.Close())
	}
	if err := st.Ping(ctx); err != nil {
		return nil, errors.Join(err, st.Close(), logSvc.Close())
	}
	ec, err := mapExecutor(cfg)
	if err != nil {
		return nil, errors.Join(err, st.Close(), logSvc.Close())
	}
	addr := strings.TrimSpace(cfg.API.Addr)
	if addr == "" {
		addr = api.DefaultAddr
	}
	r := runner.New(st, executor.New(ec, log.With(logx.String("comp", "executor"))), nil, nil, log.With(logx.String("comp", "runner")))
	return &Offline{
		Registry: jobs.New(st, nil, r, nil, nil, log.With(logx.String("comp", "jobs"))),
		apiAddr:  addr,
		store:    st,
		logs:     logSvc,
	}, nil
}

func (o *Offline) Close() error {
	return errors.Join(o.store.Close(), o.logs.Close())
}

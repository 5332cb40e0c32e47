package main

import (
    "context"
    "fmt"
    "os"
    "os/signal"
    "syscall"
    "time"

    "go.uber.org/zap"

    "github.com/ateneo-isif/ibrdtn/pkg/agent"
    "github.com/ateneo-isif/ibrdtn/pkg/bundle"
    "github.com/ateneo-isif/ibrdtn/pkg/cl"
    "github.com/ateneo-isif/ibrdtn/pkg/config"
    "github.com/ateneo-isif/ibrdtn/pkg/core/contact"
    "github.com/ateneo-isif/ibrdtn/pkg/discovery"
    "github.com/ateneo-isif/ibrdtn/pkg/observability"
    "github.com/ateneo-isif/ibrdtn/pkg/routing"
    "github.com/ateneo-isif/ibrdtn/pkg/storage"
    "github.com/ateneo-isif/ibrdtn/pkg/storage/diskstore"
    "github.com/ateneo-isif/ibrdtn/pkg/storage/memstore"
)

const version = "0.9.0"

// run is the main entry point after CLI parsing.
func run(opts Options) int {
    if opts.Version {
        fmt.Println("dtnd " + version)
        return 0
    }

    cfg, err := config.Load(opts.ConfigPath)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
        return 1
    }
    if opts.EID != "" { cfg.Node.EID = opts.EID }
    if opts.LogLevel != "" { cfg.Log.Level = opts.LogLevel }

    local, err := bundle.Parse(cfg.Node.EID)
    if err != nil || local.IsNone() || local.Application() != "" {
        _, _ = os.Stderr.WriteString("unusable node EID: " + cfg.Node.EID + "\n")
        return 1
    }

    logger, err := observability.SetupLogger(cfg.Log)
    if err != nil {
        _, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
        return 1
    }
    defer func() { _ = logger.Sync() }()

    zap.L().Info("dtnd starting",
        zap.String("eid", string(local)), zap.String("version", version))

    expired := func(m bundle.Meta) {
        zap.L().Debug("bundle expired", zap.String("bundle", m.ID.String()))
    }
    var store storage.Storage
    switch cfg.Storage.Backend {
    case "disk":
        store, err = diskstore.Open(diskstore.Options{
            Path:          cfg.Storage.Path,
            SweepInterval: time.Duration(cfg.Storage.SweepIntervalSec) * time.Second,
            OnEvict:       expired,
        })
        if err != nil {
            zap.L().Error("open disk storage", zap.String("path", cfg.Storage.Path), zap.Error(err))
            return 1
        }
    default:
        store = memstore.New(memstore.Options{
            MaxBundles: cfg.Storage.MaxBundles,
            MaxBytes:   cfg.Storage.MaxBytes,
            OnEvict:    expired,
        })
    }

    db := routing.NewDatabase(cfg.Routing.MaxTransfers)
    book := contact.NewNodeBook(logger)

    var ag *agent.Agent
    if cfg.Agent.Enabled {
        ag, err = agent.New(agent.Options{
            Local:    local,
            Addr:     cfg.Agent.Addr,
            Pipe:     cfg.Agent.Pipe,
            Store:    store,
            Contacts: db,
            Book:     book,
            Log:      logger,
        })
        if err != nil {
            zap.L().Error("start agent", zap.Error(err))
            return 1
        }
    }

    mgr := cl.NewManager(cl.ManagerOptions{
        Local:    local,
        Software: cfg.Node.Software,
        Store:    store,
        DB:       db,
        Delivery: deliveryOrNil(ag),
        Log:      logger,
    })
    dispatcher := cl.NewDispatcher(mgr, store, db, logger)
    rtr := routing.New(local, routing.Deps{
        Store:      store,
        DB:         db,
        Transfer:   dispatcher,
        Deliveries: deliveriesOrNil(ag),
        Log:        logger,
        QueueHint:  cfg.Routing.QueueHint,
    })
    mgr.Bind(rtr)
    dispatcher.Bind(rtr)
    if ag != nil { ag.Bind(rtr) }

    rt, err := contact.Start(context.Background(), cfg.CL, contact.Deps{
        Manager: mgr,
        Book:    book,
        Log:     logger,
    })
    if err != nil {
        zap.L().Error("start contact manager", zap.Error(err))
        return 1
    }

    var disc *discovery.Discovery
    if cfg.Discovery.Enabled {
        var dialer discovery.Dialer
        if cfg.Discovery.Connect { dialer = rt }
        disc, err = discovery.New(discovery.Options{
            Local:    local,
            Addr:     cfg.Discovery.Addr,
            Interval: time.Duration(cfg.Discovery.IntervalSec) * time.Second,
            Services: advertisedServices(cfg),
            Book:     book,
            Sink:     rtr,
            Dialer:   dialer,
            Log:      logger,
        })
        if err != nil {
            zap.L().Warn("discovery unavailable", zap.Error(err))
        }
    }

    rtr.Start()
    zap.L().Info("dtnd running", zap.String("eid", string(local)))

    sigCh := make(chan os.Signal, 1)
    signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
    sig := <-sigCh
    zap.L().Info("shutting down", zap.String("signal", sig.String()))

    // Event producers go first, then the engine, then storage.
    if disc != nil { disc.Close() }
    rt.Stop()
    if ag != nil { ag.Close() }
    mgr.Close()
    rtr.Stop()
    rtr.Wait()
    dispatcher.Close()
    book.Close()
    if err := store.Close(); err != nil {
        zap.L().Warn("close storage", zap.Error(err))
    }
    zap.L().Info("dtnd stopped")
    return 0
}

// advertisedServices resolves what discovery beacons carry: the
// configured advertisements, or every CL listener when none are set.
func advertisedServices(cfg *config.Config) []contact.Service {
    eps := cfg.Discovery.Advertise
    if len(eps) == 0 { eps = cfg.CL.Listen }
    out := make([]contact.Service, 0, len(eps))
    for _, ep := range eps {
        out = append(out, contact.Service{Kind: ep.Kind, Addr: ep.Addr})
    }
    return out
}

// A nil *Agent must become a nil interface, not a typed nil.
func deliveryOrNil(ag *agent.Agent) cl.LocalDelivery {
    if ag == nil { return nil }
    return ag
}

func deliveriesOrNil(ag *agent.Agent) routing.DeliveryNotifier {
    if ag == nil { return nil }
    return ag
}

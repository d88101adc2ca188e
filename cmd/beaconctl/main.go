package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/beaconctl/internal/auth"
	"github.com/danmuck/beaconctl/internal/config"
	"github.com/danmuck/beaconctl/internal/deploy"
	"github.com/danmuck/beaconctl/internal/events"
	"github.com/danmuck/beaconctl/internal/identity"
	"github.com/danmuck/beaconctl/internal/ledger"
	"github.com/danmuck/beaconctl/internal/logging"
	"github.com/danmuck/beaconctl/internal/logic"
	"github.com/danmuck/beaconctl/internal/proxy"
	"github.com/danmuck/beaconctl/internal/server"
	"github.com/danmuck/beaconctl/internal/store"
	"github.com/danmuck/beaconctl/internal/upgrade"
	"github.com/rs/zerolog/log"
)

const usage = `usage: beaconctl <command> [flags]

commands:
  config   write or validate a config template
  deploy   deploy the base implementation, a beacon, and the configured proxies
  upgrade  upgrade a beacon to the extended implementation and migrate proxies
  migrate  migrate proxies left pending by a previous upgrade
  show     print beacons and proxies
  invoke   run one operation against a proxy
  owner    transfer a beacon's upgrade authority
  serve    serve the HTTP API
`

func main() {
	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "beaconctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errors.New("missing command")
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "config":
		return runConfig(rest, out)
	case "deploy":
		return runDeploy(ctx, rest, out)
	case "upgrade":
		return runUpgrade(ctx, rest, out, false)
	case "migrate":
		return runUpgrade(ctx, rest, out, true)
	case "show":
		return runShow(ctx, rest, out)
	case "invoke":
		return runInvoke(ctx, rest, out)
	case "owner":
		return runOwner(ctx, rest, out)
	case "serve":
		return runServe(ctx, rest)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// app is the ledger restored from the configured store.
type app struct {
	cfg    config.Config
	store  *store.Store
	ledger *ledger.Ledger
}

func openApp(ctx context.Context, path string) (*app, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	if os.Getenv(logging.EnvLogLevel) == "" {
		logging.SetLevel(cfg.LogLevel)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st}
	snap, err := st.LoadSnapshot(ctx)
	switch {
	case errors.Is(err, store.ErrNoSnapshot):
		a.ledger = ledger.New()
	case err != nil:
		_ = st.Close()
		return nil, err
	default:
		a.ledger, err = ledger.Restore(ctx, snap, deploy.Catalog())
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	a.ledger.Bus().Subscribe(events.Log(log.Logger))
	return a, nil
}

func (a *app) persist(ctx context.Context) error {
	return a.ledger.Persist(ctx, a.store.SaveSnapshot)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close failed")
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	path := fs.String("config", "beaconctl.toml", "config path")
	return fs, path
}

func runConfig(args []string, out io.Writer) error {
	fs, path := newFlagSet("config")
	kind := fs.String("kind", "beaconctl", "template kind: beaconctl|deployment")
	validate := fs.Bool("validate", false, "validate the config at -config instead of writing")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *validate {
		if _, err := loadConfig(*path); err != nil {
			return err
		}
		fmt.Fprintf(out, "validated %s\n", *path)
		return nil
	}
	if err := config.WriteTemplate(*path, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s template to %s\n", *kind, *path)
	return nil
}

func runDeploy(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("deploy")
	manifest := fs.String("manifest", "", "write a deployment manifest to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, *path)
	if err != nil {
		return err
	}
	defer a.Close()

	plan, err := a.cfg.Deployment.Plan()
	if err != nil {
		return err
	}
	dep, err := deploy.Deploy(ctx, a.ledger, plan)
	if err != nil {
		return err
	}
	if err := a.persist(ctx); err != nil {
		return err
	}
	if *manifest != "" {
		if err := config.WriteManifest(*manifest, config.NewManifest(dep, time.Now())); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "implementation %s\nbeacon %s\n", dep.Implementation, dep.Beacon)
	for i, p := range dep.Proxies {
		fmt.Fprintf(out, "proxy[%d] %s value=%d owner=%s\n", i, p, plan.Proxies[i].Value, plan.Proxies[i].Owner)
	}
	return nil
}

func runUpgrade(ctx context.Context, args []string, out io.Writer, migrateOnly bool) error {
	name := "upgrade"
	if migrateOnly {
		name = "migrate"
	}
	fs, path := newFlagSet(name)
	beaconFlag := fs.String("beacon", "", "beacon address (defaults to the only beacon)")
	callerFlag := fs.String("caller", "", "caller identity")
	proxiesFlag := fs.String("proxies", "", "comma separated proxy addresses to migrate")
	all := fs.Bool("all", false, "migrate every proxy bound to the beacon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, *path)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := buildRequest(a.ledger, *beaconFlag, *callerFlag, *proxiesFlag, *all)
	if err != nil {
		return err
	}
	o := upgrade.NewOrchestrator(a.ledger)
	var report upgrade.Report
	if migrateOnly {
		report, err = o.Migrate(ctx, req)
	} else {
		report, err = o.Run(ctx, req)
	}
	if err != nil {
		return err
	}
	if err := a.persist(ctx); err != nil {
		return err
	}
	if err := a.store.RecordMigration(ctx, report); err != nil {
		return err
	}
	printReport(out, report)
	return nil
}

func buildRequest(l *ledger.Ledger, beaconRaw, callerRaw, proxiesRaw string, all bool) (upgrade.Request, error) {
	caller, err := identity.Parse(callerRaw)
	if err != nil {
		return upgrade.Request{}, err
	}
	var beaconAddr identity.Address
	if strings.TrimSpace(beaconRaw) == "" {
		beacons := l.Beacons()
		if len(beacons) != 1 {
			return upgrade.Request{}, fmt.Errorf("%w: -beacon required with %d beacons deployed", upgrade.ErrInvalidRequest, len(beacons))
		}
		beaconAddr = beacons[0].Address()
	} else if beaconAddr, err = identity.Parse(beaconRaw); err != nil {
		return upgrade.Request{}, err
	}
	req := upgrade.Request{Beacon: beaconAddr, Caller: caller, All: all}
	for _, raw := range strings.Split(proxiesRaw, ",") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		p, err := identity.Parse(raw)
		if err != nil {
			return upgrade.Request{}, err
		}
		req.Proxies = append(req.Proxies, p)
	}
	return req, nil
}

func printReport(out io.Writer, report upgrade.Report) {
	fmt.Fprintf(out, "run %s beacon %s\n", report.RunID, report.Beacon)
	fmt.Fprintf(out, "implementation %s -> %s\n", report.Previous, report.Implementation)
	for _, addr := range report.Order {
		o := report.Outcomes[addr]
		if o.Message != "" {
			fmt.Fprintf(out, "  %s %s (%s)\n", addr, o.Status, o.Message)
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", addr, o.Status)
	}
	counts := report.Counts()
	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		fmt.Fprintf(out, "%s=%d\n", status, counts[upgrade.Status(status)])
	}
}

func runShow(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("show")
	proxyFlag := fs.String("proxy", "", "show one proxy only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, *path)
	if err != nil {
		return err
	}
	defer a.Close()

	if strings.TrimSpace(*proxyFlag) != "" {
		addr, err := identity.Parse(*proxyFlag)
		if err != nil {
			return err
		}
		p, err := a.ledger.Proxy(addr)
		if err != nil {
			return err
		}
		return printProxy(out, p)
	}
	for _, b := range a.ledger.Beacons() {
		fmt.Fprintf(out, "beacon %s implementation=%s owner=%s\n", b.Address(), b.Implementation(), b.Owner())
	}
	for _, p := range a.ledger.Proxies() {
		if err := printProxy(out, p); err != nil {
			return err
		}
	}
	return nil
}

func printProxy(out io.Writer, p *proxy.Proxy) error {
	state, err := p.State()
	if err != nil {
		return err
	}
	rec := p.Record()
	fmt.Fprintf(out, "proxy %s state=%s value=%d owner=%s version=%d history=%v\n",
		p.Address(), state, rec.Value, rec.Owner, rec.Version, rec.ValidHistory())
	return nil
}

// argList collects repeated -arg key=value flags.
type argList logic.Args

func (a argList) String() string {
	parts := make([]string, 0, len(a))
	for k, v := range a {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func (a argList) Set(raw string) error {
	key, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("argument %q is not key=value", raw)
	}
	a[strings.TrimSpace(key)] = strings.TrimSpace(value)
	return nil
}

func runInvoke(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("invoke")
	proxyFlag := fs.String("proxy", "", "proxy address")
	op := fs.String("op", "", "operation name")
	callerFlag := fs.String("caller", "", "caller identity")
	callArgs := argList{}
	fs.Var(callArgs, "arg", "operation argument key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, *path)
	if err != nil {
		return err
	}
	defer a.Close()

	addr, err := identity.Parse(*proxyFlag)
	if err != nil {
		return err
	}
	caller, err := identity.Parse(*callerFlag)
	if err != nil {
		return err
	}
	res, err := a.ledger.Invoke(ctx, addr, proxy.Call{
		Operation: *op,
		Args:      logic.Args(callArgs),
		Caller:    caller,
	})
	if err != nil {
		return err
	}
	if err := a.persist(ctx); err != nil {
		return err
	}
	if s := res.String(); s != "" {
		fmt.Fprintln(out, s)
	} else {
		fmt.Fprintln(out, "ok")
	}
	return nil
}

func runOwner(ctx context.Context, args []string, out io.Writer) error {
	fs, path := newFlagSet("owner")
	beaconFlag := fs.String("beacon", "", "beacon address (defaults to the only beacon)")
	callerFlag := fs.String("caller", "", "current beacon owner")
	ownerFlag := fs.String("owner", "", "new beacon owner")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, *path)
	if err != nil {
		return err
	}
	defer a.Close()

	req, err := buildRequest(a.ledger, *beaconFlag, *callerFlag, "", false)
	if err != nil {
		return err
	}
	next, err := identity.Parse(*ownerFlag)
	if err != nil {
		return err
	}
	if err := a.ledger.TransferBeaconOwnership(ctx, req.Beacon, req.Caller, next); err != nil {
		return err
	}
	if err := a.persist(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "beacon %s owner=%s\n", req.Beacon, next)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs, path := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}
	a, err := openApp(ctx, *path)
	if err != nil {
		return err
	}
	defer a.Close()

	var validator auth.Validator
	if a.cfg.Token != "" {
		validator = auth.StaticToken{Token: a.cfg.Token}
	} else {
		log.Warn().Msg("no token configured; write endpoints are open")
	}
	srv := server.New(a.ledger, server.Options{
		Name:        a.cfg.Name,
		CORSOrigins: a.cfg.CorsOrigins,
		Validator:   validator,
		Save:        a.store.SaveSnapshot,
		OnUpgrade:   a.store.RecordMigration,
	})
	return srv.Run(ctx, a.cfg.Listen)
}

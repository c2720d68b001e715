// Package cmd wires up the CLI flags and dispatches to the tunnel engine.
package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"gotun/config"
	"gotun/session"
	"gotun/status"
	"gotun/tunnel"
	"gotun/util"
	"gotun/vault"
)

// version is overridable at link time:
//
//	go build -ldflags "-X gotun/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// options collects every flag before dispatch.
type options struct {
	// modes (mutually exclusive)
	add        string
	list       bool
	remove     string
	connect    string
	showStatus bool
	exportPath string
	importPath string

	// profile fields (--add)
	auth          string
	keyPath       string
	autoReconnect bool
	maxReconnects int

	// forward specs (stored with --add, ad hoc with --connect)
	locals   []string
	remotes  []string
	dynamics []string

	// engine
	configDir  string
	knownHosts string
	tofu       bool
	verbose    int
}

// Execute parses args and runs the requested gotun operation.
func Execute(ctx context.Context, args []string) error {
	opts := &options{}
	fs := flag.NewFlagSet("gotun", flag.ContinueOnError)

	// ── modes ────────────────────────────────────────────────────
	fs.StringVarP(&opts.add, "add", "a", "", "Add a profile: --add NAME [user@]host[:port]")
	fs.BoolVar(&opts.list, "list", false, "List saved profiles")
	fs.StringVar(&opts.remove, "remove", "", "Remove the named profile")
	fs.StringVarP(&opts.connect, "connect", "c", "", "Connect the named profile and run its tunnels")
	fs.BoolVar(&opts.showStatus, "status", false, "Show saved profiles with usage details")
	fs.StringVar(&opts.exportPath, "export", "", "Export profiles to FILE (passphrase-protected)")
	fs.StringVar(&opts.importPath, "import", "", "Import profiles from FILE")

	// ── profile fields ───────────────────────────────────────────
	fs.StringVar(&opts.auth, "auth", "password", "Auth method: password or key")
	fs.StringVar(&opts.keyPath, "key", "", "Private key file to store in the vault")
	fs.BoolVar(&opts.autoReconnect, "auto-reconnect", false, "Reconnect automatically after transport loss")
	fs.IntVar(&opts.maxReconnects, "max-reconnects", config.DefaultMaxReconnects, "Reconnect attempt budget")

	// ── forwards ─────────────────────────────────────────────────
	fs.StringArrayVarP(&opts.locals, "local", "L", nil, "Local forward [bind:]port:host:hostport (repeatable)")
	fs.StringArrayVarP(&opts.remotes, "remote", "R", nil, "Remote forward [bind:]port:host:hostport (repeatable)")
	fs.StringArrayVarP(&opts.dynamics, "dynamic", "D", nil, "Dynamic SOCKS5 forward [bind:]port (repeatable)")

	// ── engine ───────────────────────────────────────────────────
	fs.StringVar(&opts.configDir, "config-dir", "", "Config directory (default ~/.gotun)")
	fs.StringVar(&opts.knownHosts, "known-hosts", "", "Custom known_hosts path")
	fs.BoolVar(&opts.tofu, "tofu", false, "Trust and record unknown host keys on first use")
	fs.CountVarP(&opts.verbose, "verbose", "v", "Increase verbosity (repeatable)")

	var showVersion, showHelp bool
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("gotun %s\n", version)
		return nil
	}

	app, err := newApp(opts)
	if err != nil {
		return err
	}

	switch {
	case opts.add != "":
		return app.runAdd(fs.Args())
	case opts.list:
		return app.runList(false)
	case opts.showStatus:
		return app.runList(true)
	case opts.remove != "":
		return app.runRemove()
	case opts.exportPath != "":
		return app.runExport()
	case opts.importPath != "":
		return app.runImport()
	case opts.connect != "":
		return app.runConnect(ctx)
	default:
		return fmt.Errorf("no operation selected (use --help for usage)")
	}
}

// app holds the assembled components for one invocation.
type app struct {
	opts     *options
	logger   *util.Logger
	settings config.Settings
	store    *config.Store
}

func newApp(opts *options) (*app, error) {
	dir := opts.configDir
	if dir == "" {
		var err error
		dir, err = config.DefaultConfigDir()
		if err != nil {
			return nil, err
		}
	}

	settings, err := config.LoadSettings(dir)
	if err != nil {
		return nil, err
	}
	config.LoadFromEnv(&settings)

	verbosity := settings.LogLevel
	if opts.verbose > 0 {
		verbosity = opts.verbose
	}
	logger := util.NewLogger(verbosity)
	if opts.knownHosts != "" {
		settings.KnownHostsPath = opts.knownHosts
	}
	if opts.tofu {
		settings.TrustOnFirstUse = true
	}

	store, err := config.NewStore(dir, logger)
	if err != nil {
		return nil, err
	}
	return &app{opts: opts, logger: logger, settings: settings, store: store}, nil
}

// ── operations ───────────────────────────────────────────────────────

func (a *app) runAdd(remaining []string) error {
	if len(remaining) != 1 {
		return fmt.Errorf("--add needs exactly one [user@]host[:port] argument")
	}
	user, host, port, err := config.ParseHostSpec(remaining[0])
	if err != nil {
		return err
	}
	if user == "" {
		return fmt.Errorf("user is required (use user@host)")
	}

	rules, err := collectRules(a.opts)
	if err != nil {
		return err
	}

	p := &config.Profile{
		Name:          a.opts.add,
		Host:          host,
		Port:          port,
		User:          user,
		Auth:          config.AuthKind(a.opts.auth),
		Rules:         rules,
		AutoReconnect: a.opts.autoReconnect,
		MaxReconnects: a.opts.maxReconnects,
	}

	v, err := a.openVault(false)
	if err != nil {
		return err
	}
	defer v.Wipe()

	switch p.Auth {
	case config.AuthPassword:
		pw, err := promptSecret(fmt.Sprintf("SSH password for %s@%s: ", user, host))
		if err != nil {
			return err
		}
		if p.Password, err = v.Seal(pw); err != nil {
			return err
		}
	case config.AuthKey:
		if a.opts.keyPath == "" {
			return fmt.Errorf("--auth key requires --key FILE")
		}
		keyData, err := os.ReadFile(a.opts.keyPath)
		if err != nil {
			return fmt.Errorf("reading key: %w", err)
		}
		if p.PrivateKey, err = v.Seal(keyData); err != nil {
			return err
		}
		pass, err := promptSecret("Key passphrase (empty for none): ")
		if err != nil {
			return err
		}
		if len(pass) > 0 {
			if p.Passphrase, err = v.Seal(pass); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown auth method %q (password or key)", a.opts.auth)
	}

	if err := a.store.Save(p); err != nil {
		return err
	}
	a.logger.Info("profile %s saved (%s@%s:%d, %d rules)", p.Name, user, host, port, len(rules))
	return nil
}

func (a *app) runList(withDetails bool) error {
	profiles, err := a.store.Load()
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("no profiles saved")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if withDetails {
		fmt.Fprintln(w, "NAME\tENDPOINT\tAUTH\tRULES\tRECONNECT\tLAST USED")
		for _, p := range profiles {
			last := "never"
			if !p.LastUsed.IsZero() {
				last = p.LastUsed.Format(time.RFC3339)
			}
			rec := "off"
			if p.AutoReconnect {
				rec = fmt.Sprintf("up to %d", p.MaxReconnects)
			}
			fmt.Fprintf(w, "%s\t%s@%s\t%s\t%d\t%s\t%s\n",
				p.Name, p.User, p.Addr(), p.Auth, len(p.Rules), rec, last)
		}
	} else {
		fmt.Fprintln(w, "NAME\tENDPOINT\tRULES")
		for _, p := range profiles {
			fmt.Fprintf(w, "%s\t%s@%s\t%d\n", p.Name, p.User, p.Addr(), len(p.Rules))
		}
	}
	return w.Flush()
}

func (a *app) runRemove() error {
	p, err := a.store.GetByName(a.opts.remove)
	if err != nil {
		return err
	}
	if err := a.store.Delete(p.ID); err != nil {
		return err
	}
	a.logger.Info("profile %s removed", p.Name)
	return nil
}

func (a *app) runExport() error {
	v, err := a.openVault(false)
	if err != nil {
		return err
	}
	defer v.Wipe()

	pass, err := promptSecret("Export passphrase: ")
	if err != nil {
		return err
	}
	confirm, err := promptSecret("Confirm export passphrase: ")
	if err != nil {
		return err
	}
	if string(pass) != string(confirm) {
		return fmt.Errorf("passphrases do not match")
	}

	blob, err := a.store.Export(nil, v, pass)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.opts.exportPath, blob, 0o600); err != nil {
		return err
	}
	a.logger.Info("profiles exported to %s", a.opts.exportPath)
	return nil
}

func (a *app) runImport() error {
	blob, err := os.ReadFile(a.opts.importPath)
	if err != nil {
		return err
	}

	v, err := a.openVault(false)
	if err != nil {
		return err
	}
	defer v.Wipe()

	pass, err := promptSecret("Export passphrase: ")
	if err != nil {
		return err
	}

	imported, err := a.store.Import(blob, pass, v)
	if err != nil {
		return err
	}
	a.logger.Info("imported %d profiles from %s", len(imported), a.opts.importPath)
	return nil
}

func (a *app) runConnect(ctx context.Context) error {
	p, err := a.store.GetByName(a.opts.connect)
	if err != nil {
		return err
	}

	extra, err := collectRules(a.opts)
	if err != nil {
		return err
	}
	rules := append(append([]config.Rule(nil), p.Rules...), extra...)
	if len(rules) == 0 {
		return fmt.Errorf("profile %s has no tunnel rules (add -L/-R/-D)", p.Name)
	}

	v, err := a.openVault(false)
	if err != nil {
		return err
	}
	defer v.Wipe()

	secrets, err := openSecrets(v, p)
	if err != nil {
		return err
	}
	defer secrets.Wipe()

	registry := status.NewRegistry()
	defer registry.Close()
	engine := tunnel.NewEngine(a.settings, registry, a.logger)
	defer engine.Close()
	manager := session.NewManager(a.settings, registry, a.logger, engine.StopAll)
	defer manager.Close()

	startTunnels := func(sess *session.Session) int {
		started := 0
		for _, rule := range rules {
			if _, err := engine.Start(sess.ID(), sess.Conn(), rule); err != nil {
				a.logger.Error("tunnel %s: %v", rule, err)
				continue
			}
			started++
		}
		return started
	}

	// After an automatic reconnect the old tunnels are gone; bring
	// them back on the replacement session.
	replaced := make(chan *session.Session, 1)
	manager.OnReconnect(func(sess *session.Session) {
		n := startTunnels(sess)
		a.logger.Info("%d/%d tunnels restarted on %s", n, len(rules), sess.ID())
		select {
		case replaced <- sess:
		default:
		}
	})

	sess, err := manager.Connect(ctx, p, secrets)
	if err != nil {
		return err
	}
	if err := a.store.Touch(p.ID); err != nil {
		a.logger.Warn("recording last use: %v", err)
	}

	started := startTunnels(sess)
	if started == 0 {
		manager.Disconnect(p.ID) //nolint:errcheck
		return fmt.Errorf("no tunnels could be started")
	}
	a.logger.Info("%d/%d tunnels running; Ctrl-C to stop", started, len(rules))

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	done := sess.Done()
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutting down")
			return nil
		case next := <-replaced:
			sess = next
			done = sess.Done()
		case <-done:
			if sess.State() == session.StateClosed {
				return nil
			}
			// Failed: the manager may still be reconnecting.  Park
			// this case and let the ticker detect a final give-up.
			if !p.AutoReconnect {
				return fmt.Errorf("session lost")
			}
			done = nil
		case <-ticker.C:
			if !manager.Has(p.ID) {
				return fmt.Errorf("session lost")
			}
		}
	}
}

// ── helpers ──────────────────────────────────────────────────────────

// openVault prompts for the master passphrase.  confirm asks twice,
// for first-time setup paths.
func (a *app) openVault(confirm bool) (*vault.Vault, error) {
	pass, err := promptSecret("Master passphrase: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		again, err := promptSecret("Confirm master passphrase: ")
		if err != nil {
			return nil, err
		}
		if string(pass) != string(again) {
			return nil, fmt.Errorf("passphrases do not match")
		}
	}
	return vault.New(pass), nil
}

// openSecrets decrypts the profile's stored credential material.
func openSecrets(v *vault.Vault, p *config.Profile) (*session.Secrets, error) {
	s := &session.Secrets{}
	var err error
	if len(p.Password) > 0 {
		if s.Password, err = v.Open(p.Password); err != nil {
			return nil, err
		}
	}
	if len(p.PrivateKey) > 0 {
		if s.PrivateKey, err = v.Open(p.PrivateKey); err != nil {
			return nil, err
		}
	}
	if len(p.Passphrase) > 0 {
		if s.Passphrase, err = v.Open(p.Passphrase); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// collectRules parses every -L/-R/-D flag into rules, in flag order
// per kind.
func collectRules(opts *options) ([]config.Rule, error) {
	var rules []config.Rule
	for _, group := range []struct {
		prefix string
		specs  []string
	}{
		{"L", opts.locals},
		{"R", opts.remotes},
		{"D", opts.dynamics},
	} {
		for _, spec := range group.specs {
			r, err := config.ParseForwardSpec(group.prefix + ":" + spec)
			if err != nil {
				return nil, fmt.Errorf("-%s %s: %w", group.prefix, spec, err)
			}
			rules = append(rules, r)
		}
	}
	return rules, nil
}

func promptSecret(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	return pass, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `gotun - SSH tunnel manager v%s

Saved connection profiles with encrypted credentials, plus local,
remote, and dynamic SOCKS5 port forwarding over SSH.

Usage:
  gotun --add NAME user@host[:port] [--auth key --key FILE] [-L ...] [-R ...] [-D ...]
  gotun --connect NAME [-L ...] [-R ...] [-D ...]
  gotun --list | --status
  gotun --remove NAME
  gotun --export FILE | --import FILE

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  gotun --add staging deploy@bastion.example.com -L 8080:db-internal:5432
  gotun --connect staging -v
  gotun --connect staging -D 1080
  gotun --export backup.yaml
`)
}

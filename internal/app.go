package internal

import (
	"context"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"chatlink/pkg/api"
	"chatlink/pkg/auth"
	"chatlink/pkg/blocklist"
	"chatlink/pkg/call"
	"chatlink/pkg/chat"
	"chatlink/pkg/log"
	"chatlink/pkg/notify"
	"chatlink/pkg/peer"
	"chatlink/pkg/prefs"
	"chatlink/pkg/presence"
	"chatlink/pkg/signal"
	"chatlink/pkg/typing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
)

type App struct {
	serverURL       string
	apiURL          string
	token           string
	stunServers     []string
	prefsPath       string
	logLevel        string
	metricsAddr     string
	ringTimeout     time.Duration
	denyMedia       bool
	reconcileWindow time.Duration

	instanceUUID string
	userID       string

	api       *api.Client
	signal    *signal.Client
	blocklist *blocklist.Set
	prefs     *prefs.Store
	notices   *notify.Center
	presence  *presence.Tracker
	typing    *typing.Debouncer
	chat      *chat.Synchronizer
	calls     *call.Controller
	console   *Console

	signOutOnce sync.Once
	signOutErr  error
	cancel      context.CancelFunc
}

func NewApp() *App {
	return &App{
		instanceUUID: uuid.New().String(),
	}
}

func (a *App) Setup() (err error) {
	a.parseCmdline()

	log.SetupLogger(a.logLevel)

	if len(a.token) == 0 {
		return errors.New("a bearer token is required (--token)")
	}

	a.userID, err = auth.SubjectFromToken(a.token)
	if err != nil {
		return errors.Wrap(err, "identity")
	}

	a.api, err = api.NewClient(api.ClientConfig{
		BaseURL: a.apiURL,
		Token:   a.token,
	})
	if err != nil {
		return errors.Wrap(err, "api client")
	}

	a.signal, err = signal.NewClient(signal.ClientConfig{
		URL:   a.serverURL,
		Token: a.token,
	})
	if err != nil {
		return errors.Wrap(err, "signaling")
	}

	if len(a.prefsPath) == 0 {
		a.prefsPath = defaultPrefsPath()
	}

	a.prefs, err = prefs.Open(prefs.StoreConfig{
		Path:   a.prefsPath,
		UserID: a.userID,
	})
	if err != nil {
		return errors.Wrap(err, "preferences")
	}

	devices, err := newDevices(a.denyMedia)
	if err != nil {
		return errors.Wrap(err, "media devices")
	}

	a.blocklist = blocklist.New()
	a.notices = notify.NewCenter(0)
	a.presence = presence.NewTracker()

	a.typing = typing.NewDebouncer(typing.DebouncerConfig{
		LocalUserID: a.userID,
	}, a.signal)

	a.chat = chat.NewSynchronizer(chat.SynchronizerConfig{
		LocalUserID:     a.userID,
		ReconcileWindow: a.reconcileWindow,
	}, a.signal, a.api, a.blocklist, a.prefs, a.notices)

	a.calls = call.NewController(call.ControllerConfig{
		RingTimeout: a.ringTimeout,
	}, a.signal, devices, call.NewPeerLinkFactory(peer.LinkConfig{
		STUN: a.stunServers,
	}), a.blocklist)

	a.console = NewConsole(os.Stdout, a.userID, a.signOut, a.calls, a.chat, a.typing, a.presence, a.prefs, a.notices)

	return nil
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	log.Infof("Starting chatlink, user: %s, instance UUID: %s", a.userID, a.instanceUUID)
	defer log.Info("Ending chatlink")

	a.cancel = cancel
	a.listenOS(cancel)

	if len(a.metricsAddr) != 0 {
		stop := a.serveMetrics()
		defer stop()
	}

	if err := a.loadIdentity(ctx); err != nil {
		a.shutdown()

		return err
	}

	router := NewRouter(ctx, a.calls, a.chat, a.typing, a.presence, a.notices, a.signOut)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := a.signal.Run(ctx); err != nil {
			a.signOut(err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		router.Serve(a.signal.Events())
	}()

	go func() {
		if err := a.console.Run(ctx, os.Stdin); err != nil {
			log.Error(err)
		}

		cancel()
	}()

	<-ctx.Done()
	wg.Wait()

	a.shutdown()

	return a.signOutErr
}

func (a *App) parseCmdline() {
	// Endpoints and identity.
	pflag.StringVarP(&a.serverURL, "server", "s", "ws://localhost:8001/ws", "Signaling websocket URL")
	pflag.StringVarP(&a.apiURL, "api", "a", "http://localhost:8001", "REST API base URL")
	pflag.StringVarP(&a.token, "token", "t", os.Getenv("CHATLINK_TOKEN"), "Bearer token of the local user (default $CHATLINK_TOKEN)")

	// Calls.
	pflag.StringSliceVarP(&a.stunServers, "stun", "S", []string{"stun.l.google.com:19302", "stun1.l.google.com:19302"}, "List of used STUN servers")
	pflag.DurationVar(&a.ringTimeout, "ring-timeout", 0, "End calls still ringing after this long (0 rings until someone hangs up)")
	pflag.BoolVar(&a.denyMedia, "deny-media", false, "Refuse camera and microphone access")

	// Messages.
	pflag.DurationVar(&a.reconcileWindow, "reconcile-window", 2*time.Minute, "Largest clock distance between a sent message and its server echo")
	pflag.StringVarP(&a.prefsPath, "prefs", "p", "", "Path to the local preferences database")

	// Common options.
	pflag.StringVarP(&a.logLevel, "log-level", "l", "info", "Log level (debug, info, warn, error)")
	pflag.StringVar(&a.metricsAddr, "metrics-addr", "", "Address to serve Prometheus metrics on, e.g. :9090")

	pflag.Parse()
}

// loadIdentity checks the token against the server and loads the blocked
// users. Only a rejected identity is fatal.
func (a *App) loadIdentity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	me, err := a.api.Me(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrRejected) {
			return err
		}

		a.notices.Error(err)

		return nil
	}

	a.blocklist.Replace(me.BlockedUsers)

	if err := a.blocklist.Refresh(ctx, a.api); err != nil {
		log.Warnf("blocked users: %v", err)
	}

	return nil
}

// signOut stops the app after the server rejected the identity.
func (a *App) signOut(err error) {
	if !errors.Is(err, auth.ErrRejected) {
		log.Error(err)

		return
	}

	a.signOutOnce.Do(func() {
		log.Error("signing out: ", err)

		a.signOutErr = err

		if a.cancel != nil {
			a.cancel()
		}
	})
}

// shutdown releases everything the session holds, whatever way Run ends.
func (a *App) shutdown() {
	if err := a.calls.Close(); err != nil {
		log.Warnf("end call: %v", err)
	}

	a.typing.Close()

	if err := a.prefs.Close(); err != nil {
		log.Warnf("close preferences: %v", err)
	}
}

func (a *App) serveMetrics() func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              a.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("serving metrics on %s", a.metricsAddr)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_ = srv.Shutdown(ctx)
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}

func defaultPrefsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = "."
	}

	return filepath.Join(dir, "chatlink", "prefs.db")
}

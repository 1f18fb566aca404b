package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/browser"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/auth/kiro"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/store"
	"github.com/kiroproxy/kiroproxy/internal/usage"
	"github.com/kiroproxy/kiroproxy/internal/util"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
)

// defaultBareFlag rewrites "-name" with no value into "-name=value" so a
// string flag can double as a boolean switch.
func defaultBareFlag(name, value string) {
	for i := 1; i < len(os.Args); i++ {
		arg := os.Args[i]
		if arg != "-"+name && arg != "--"+name {
			continue
		}
		if i+1 >= len(os.Args) || strings.HasPrefix(os.Args[i+1], "-") {
			os.Args[i] = "--" + name + "=" + value
		}
		return
	}
}

// loadPool opens the configured state backend and hydrates an account pool
// from it. One-shot modes use this instead of the full service assembly.
func loadPool(ctx context.Context, cfg *config.Config) (*auth.Store, error) {
	backend, err := store.FromEnv(ctx, cfg.StateFile)
	if err != nil {
		return nil, fmt.Errorf("select state backend: %w", err)
	}
	pool := auth.NewStore(backend)
	st, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if st != nil {
		pool.Hydrate(st)
	}
	return pool, nil
}

func runListAccounts(ctx context.Context, cfg *config.Config, jsonOut bool) error {
	pool, err := loadPool(ctx, cfg)
	if err != nil {
		return err
	}
	accounts := pool.List()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].CreatedAt.Before(accounts[j].CreatedAt)
	})
	now := time.Now()

	if jsonOut {
		type row struct {
			ID         string `json:"id"`
			Label      string `json:"label,omitempty"`
			AuthKind   string `json:"auth_kind,omitempty"`
			Provenance string `json:"provenance"`
			Health     string `json:"health"`
			ExpiresAt  string `json:"expires_at,omitempty"`
			Requests   int64  `json:"request_count"`
			Errors     int64  `json:"error_count"`
		}
		rows := make([]row, 0, len(accounts))
		for _, acc := range accounts {
			r := row{
				ID:         acc.ID,
				Label:      acc.Label,
				AuthKind:   acc.Credentials.AuthKind,
				Provenance: acc.Provenance,
				Health:     string(acc.Health(now)),
				Requests:   acc.RequestCount,
				Errors:     acc.ErrorCount,
			}
			if !acc.Credentials.ExpiresAt.IsZero() {
				r.ExpiresAt = acc.Credentials.ExpiresAt.UTC().Format(time.RFC3339)
			}
			rows = append(rows, r)
		}
		return printJSON(rows)
	}

	if len(accounts) == 0 {
		fmt.Println("No accounts configured. Run with --kiro-login or --kiro-social-login to add one.")
		return nil
	}
	fmt.Printf("%s%-10s %-20s %-8s %-20s %-10s %s%s\n",
		colorBold, "ID", "LABEL", "KIND", "PROVENANCE", "HEALTH", "EXPIRES", colorReset)
	for _, acc := range accounts {
		health := acc.Health(now)
		fmt.Printf("%-10s %-20s %-8s %-20s %s%-10s%s %s\n",
			shortID(acc.ID), clip(displayLabel(acc), 20), acc.Credentials.AuthKind,
			acc.Provenance, healthColor(health), health, colorReset,
			expiryText(acc.Credentials.ExpiresAt, now))
	}
	fmt.Printf("\n%d account(s)\n", len(accounts))
	return nil
}

func runRefresh(ctx context.Context, cfg *config.Config, target string, jsonOut bool) error {
	pool, err := loadPool(ctx, cfg)
	if err != nil {
		return err
	}
	refresher := auth.NewRefresher(pool, kiro.NewClient(), auth.RefresherOptions{
		Concurrency: cfg.Refresh.GetConcurrency(),
	})

	if strings.EqualFold(target, "all") {
		refreshed, failed := refresher.RefreshAll(ctx)
		if err := pool.Flush(ctx); err != nil {
			return fmt.Errorf("persist refreshed tokens: %w", err)
		}
		if jsonOut {
			return printJSON(map[string]int{"refreshed": refreshed, "failed": failed})
		}
		fmt.Printf("Refreshed %s%d%s account(s), %d failed\n", colorGreen, refreshed, colorReset, failed)
		if refreshed == 0 && failed > 0 {
			return errors.New("every refresh attempt failed")
		}
		return nil
	}

	acc := findAccount(pool, target)
	if acc == nil {
		return fmt.Errorf("no account matches %q", target)
	}
	if err := refresher.RefreshAccount(ctx, acc.ID, true); err != nil {
		return fmt.Errorf("refresh %s: %w", shortID(acc.ID), err)
	}
	if err := pool.Flush(ctx); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	if jsonOut {
		return printJSON(map[string]string{"refreshed": acc.ID})
	}
	fmt.Printf("%sRefreshed%s %s\n", colorGreen, colorReset, displayLabel(acc))
	return nil
}

func runShowLogs(n int) error {
	if n <= 0 {
		n = 50
	}
	path := filepath.Join(util.HomeDir(), ".kiro-proxy", "logs", "kiro-proxy.log")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No log file yet. Enable logging-to-file in config.yaml to keep one.")
			return nil
		}
		return fmt.Errorf("read logs: %w", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func runShowUsage(cfg *config.Config, jsonOut bool) error {
	if cfg.UsageDB == "" {
		fmt.Println("Usage persistence is off. Set usage-db in config.yaml to keep daily statistics.")
		return nil
	}
	tracker := usage.NewTracker()
	persister, err := usage.OpenPersister(cfg.UsageDB, tracker)
	if err != nil {
		return fmt.Errorf("open usage db: %w", err)
	}
	defer persister.Close()

	detail := tracker.DetailedSnapshot()
	if jsonOut {
		return printJSON(detail.Daily)
	}

	fmt.Printf("%sUsage, last %d days%s\n\n", colorBold, len(detail.Daily), colorReset)
	fmt.Printf("%-12s %10s %8s %12s %12s\n", "DATE", "REQUESTS", "FAILED", "TOKENS IN", "TOKENS OUT")
	var requests, failures, tokensIn, tokensOut int64
	for _, day := range detail.Daily {
		fmt.Printf("%-12s %10d %8d %12d %12d\n",
			day.Date, day.Requests, day.Failures, day.InputTokens, day.OutputTokens)
		requests += day.Requests
		failures += day.Failures
		tokensIn += day.InputTokens
		tokensOut += day.OutputTokens
	}
	fmt.Printf("\nTotal: %d request(s), %d failed, %d tokens in, %d tokens out\n",
		requests, failures, tokensIn, tokensOut)
	return nil
}

func runExportAccounts(ctx context.Context, cfg *config.Config, dest string) error {
	pool, err := loadPool(ctx, cfg)
	if err != nil {
		return err
	}
	st := pool.ExportSnapshot()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')
	if dest == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}
	// The document carries live credentials.
	if err := os.WriteFile(dest, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", dest, err)
	}
	fmt.Printf("Exported %d account(s) to %s\n", len(st.Accounts), dest)
	return nil
}

func runImportAccounts(ctx context.Context, cfg *config.Config, src string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}
	var st config.State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("parse %s: %w", src, err)
	}
	if len(st.Accounts) == 0 {
		return fmt.Errorf("%s holds no accounts", src)
	}
	pool, err := loadPool(ctx, cfg)
	if err != nil {
		return err
	}
	added, merged := pool.ImportSnapshot(&st)
	if err := pool.Flush(ctx); err != nil {
		return fmt.Errorf("persist imported accounts: %w", err)
	}
	fmt.Printf("%sImported%s %d new account(s), %d merged\n", colorGreen, colorReset, added, merged)
	return nil
}

func runKiroLogin(ctx context.Context, cfg *config.Config) error {
	client := kiro.NewClient()
	reg, err := client.RegisterClient(ctx)
	if err != nil {
		return fmt.Errorf("register oidc client: %w", err)
	}
	device, err := client.StartDeviceAuthorization(ctx, reg)
	if err != nil {
		return fmt.Errorf("start device authorization: %w", err)
	}

	fmt.Printf("%sAWS Builder ID sign-in%s\n\n", colorBold, colorReset)
	fmt.Printf("  Open:  %s%s%s\n", colorCyan, device.VerificationURIComplete, colorReset)
	fmt.Printf("  Code:  %s%s%s\n\n", colorBold, device.UserCode, colorReset)
	if err := browser.OpenURL(device.VerificationURIComplete); err == nil {
		fmt.Println("A browser window should have opened. Waiting for approval...")
	} else {
		fmt.Println("Open the URL above in a browser. Waiting for approval...")
	}

	ts, err := client.PollDeviceToken(ctx, reg, device)
	if err != nil {
		return fmt.Errorf("device authorization: %w", err)
	}
	return saveLogin(ctx, cfg, ts, "builder-id", auth.ProvenanceDeviceCode)
}

func runSocialLogin(ctx context.Context, cfg *config.Config, provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	switch provider {
	case "", "true", "google":
		provider = "google"
	case "github":
	default:
		return fmt.Errorf("unsupported provider %q (google or github)", provider)
	}

	pkce, err := kiro.NewPKCE()
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("start callback listener: %w", err)
	}
	defer ln.Close()
	redirectURI := fmt.Sprintf("http://%s/oauth/callback", ln.Addr().String())

	type callback struct {
		code string
		err  error
	}
	resultCh := make(chan callback, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if errCode := q.Get("error"); errCode != "" {
			http.Error(w, "Sign-in failed: "+errCode, http.StatusBadRequest)
			resultCh <- callback{err: fmt.Errorf("provider returned %s", errCode)}
			return
		}
		if q.Get("state") != pkce.State {
			http.Error(w, "State mismatch", http.StatusBadRequest)
			resultCh <- callback{err: errors.New("state mismatch in callback")}
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, callbackDoneHTML)
		resultCh <- callback{code: q.Get("code")}
	})
	go func() { _ = http.Serve(ln, mux) }()

	client := kiro.NewClient()
	loginURL := client.SocialLoginURL(provider, redirectURI, pkce)
	fmt.Printf("%sSign in with %s%s\n\n  %s%s%s\n\n", colorBold, provider, colorReset, colorCyan, loginURL, colorReset)
	if err := browser.OpenURL(loginURL); err == nil {
		fmt.Println("A browser window should have opened. Waiting for the callback...")
	} else {
		fmt.Println("Open the URL above in a browser. Waiting for the callback...")
	}

	var cb callback
	select {
	case cb = <-resultCh:
	case <-time.After(5 * time.Minute):
		return errors.New("timed out waiting for the oauth callback")
	case <-ctx.Done():
		return ctx.Err()
	}
	if cb.err != nil {
		return cb.err
	}
	if cb.code == "" {
		return errors.New("callback carried no authorization code")
	}

	ts, err := client.ExchangeSocialCode(ctx, cb.code, pkce.Verifier, redirectURI)
	if err != nil {
		return err
	}
	provenance := auth.ProvenanceSocialGoogle
	if provider == "github" {
		provenance = auth.ProvenanceSocialGithub
	}
	return saveLogin(ctx, cfg, ts, provider, provenance)
}

// saveLogin registers the fresh token set in the pool and flushes it to the
// state backend before the process exits.
func saveLogin(ctx context.Context, cfg *config.Config, ts *kiro.TokenSet, label, provenance string) error {
	pool, err := loadPool(ctx, cfg)
	if err != nil {
		return err
	}
	acc, merged, err := pool.Add(auth.AddOptions{
		Label:      label,
		Provenance: provenance,
		Credentials: auth.CredentialEnvelope{
			AccessToken:  ts.AccessToken,
			RefreshToken: ts.RefreshToken,
			ExpiresAt:    ts.ExpiresAt,
			AuthKind:     ts.AuthKind,
		},
		Metadata: refreshMetadata(ts),
	})
	if err != nil {
		return err
	}
	if err := pool.Flush(ctx); err != nil {
		return fmt.Errorf("persist account: %w", err)
	}
	verb := "Added"
	if merged {
		verb = "Updated"
	}
	fmt.Printf("\n%s%s%s account %s (%s)\n", colorGreen, verb, colorReset, displayLabel(acc), shortID(acc.ID))
	return nil
}

// refreshMetadata keeps the extras the refresher needs later: the IdC client
// registration and the profile ARN.
func refreshMetadata(ts *kiro.TokenSet) map[string]string {
	md := map[string]string{}
	if ts.ClientID != "" {
		md["client_id"] = ts.ClientID
	}
	if ts.ClientSecret != "" {
		md["client_secret"] = ts.ClientSecret
	}
	if ts.ProfileARN != "" {
		md["profile_arn"] = ts.ProfileARN
	}
	if len(md) == 0 {
		return nil
	}
	return md
}

func findAccount(pool *auth.Store, needle string) *auth.Account {
	needle = strings.TrimSpace(needle)
	accounts := pool.List()
	for _, acc := range accounts {
		if acc.ID == needle || strings.EqualFold(acc.Label, needle) {
			return acc
		}
	}
	for _, acc := range accounts {
		if strings.HasPrefix(acc.ID, needle) {
			return acc
		}
	}
	return nil
}

func displayLabel(acc *auth.Account) string {
	if acc.Label != "" {
		return acc.Label
	}
	if email := acc.Email(); email != "" {
		return email
	}
	return shortID(acc.ID)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func healthColor(h auth.HealthState) string {
	switch h {
	case auth.HealthActive:
		return colorGreen
	case auth.HealthCooldown:
		return colorYellow
	case auth.HealthUnhealthy:
		return colorRed
	default:
		return colorDim
	}
}

func expiryText(at time.Time, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	d := at.Sub(now)
	if d <= 0 {
		return colorRed + "expired" + colorReset
	}
	if d < time.Hour {
		return fmt.Sprintf("in %dm", int(d.Minutes()))
	}
	return fmt.Sprintf("in %dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

const callbackDoneHTML = `<!doctype html>
<html><head><title>kiro-proxy</title></head>
<body style="font-family: sans-serif; text-align: center; margin-top: 4rem;">
<h2>Signed in</h2><p>You can close this tab and return to the terminal.</p>
</body></html>`

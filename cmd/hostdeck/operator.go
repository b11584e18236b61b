package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hostdeck/hostdeck/internal/activity"
	"github.com/hostdeck/hostdeck/internal/client"
	"github.com/hostdeck/hostdeck/internal/session"
	"github.com/hostdeck/hostdeck/internal/utils"
)

type operatorFlags struct {
	server   string
	user     string
	sudoUser string
	params   string
}

var opFlags operatorFlags

var runCmd = &cobra.Command{
	Use:   "run <type>",
	Short: "Start an operation and follow its output",
	Long: `Start an operation (module-change, deployment, backup) on a hostdeck server,
stream its output and answer administrator password prompts on this terminal.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOperation(cmd.Context(), cmd.OutOrStdout(), activity.Type(args[0]))
	},
}

var attachCmd = &cobra.Command{
	Use:   "attach [activity-id]",
	Short: "Follow the running operation's output",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := ""
		if len(args) == 1 {
			id = args[0]
		}
		return attachOperation(cmd.Context(), cmd.OutOrStdout(), id)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{runCmd, attachCmd} {
		cmd.Flags().StringVar(&opFlags.server, "server", envOr("HOSTDECK_URL", "http://127.0.0.1:8470"), "server URL")
		cmd.Flags().StringVar(&opFlags.user, "user", envOr("HOSTDECK_USER", "admin"), "console user")
	}
	runCmd.Flags().StringVar(&opFlags.params, "params", "", "operation parameters as a JSON object")
	runCmd.Flags().StringVar(&opFlags.sudoUser, "sudo-user", "", "account named in password prompts (defaults to the console user)")
}

func envOr(key, fallback string) string {
	if v := utils.GetenvTrim(key); v != "" {
		return v
	}
	return fallback
}

func login(ctx context.Context) (*client.API, error) {
	apiClient, err := client.NewAPI(opFlags.server)
	if err != nil {
		return nil, err
	}
	password := os.Getenv("HOSTDECK_PASSWORD")
	if password == "" {
		password, err = readSecret(fmt.Sprintf("Password for %s: ", opFlags.user))
		if err != nil {
			return nil, err
		}
	}
	if err := apiClient.Login(ctx, opFlags.user, password); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return apiClient, nil
}

func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("stdin is not a terminal; set HOSTDECK_PASSWORD")
	}
	fmt.Fprint(os.Stderr, prompt)
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(secret), nil
}

// terminalPrompter answers sudo prompts on the controlling terminal.
type terminalPrompter struct{}

func (terminalPrompter) PromptPassword(ctx context.Context, req session.SudoRequest) (string, error) {
	type result struct {
		password string
		err      error
	}
	done := make(chan result, 1)
	go func() {
		pw, err := readSecret(fmt.Sprintf("[sudo] password for %s: ", req.Username))
		done <- result{pw, err}
	}()

	select {
	case r := <-done:
		return r.password, r.err
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "\nPassword prompt expired.")
		return "", ctx.Err()
	}
}

func printCallbacks(out io.Writer) client.Callbacks {
	printLines := func(lines []string) {
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
	}
	return client.Callbacks{OnBackfill: printLines, OnOutput: printLines}
}

// follow streams an activity until it ends. The first interrupt requests an
// abort; a second one detaches.
func follow(ctx context.Context, apiClient *client.API, out io.Writer, id string) error {
	handle, err := apiClient.Attach(ctx, id, printCallbacks(out))
	if err != nil {
		return err
	}
	defer handle.Close()

	interrupts := make(chan os.Signal, 2)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	aborted := false
	for {
		select {
		case <-handle.Done():
			return handle.Err()
		case <-interrupts:
			if aborted {
				return errors.New("detached")
			}
			aborted = true
			fmt.Fprintln(os.Stderr, "Aborting operation... (interrupt again to detach)")
			if err := handle.Abort(); err != nil {
				fmt.Fprintf(os.Stderr, "Abort failed: %v\n", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runOperation(ctx context.Context, out io.Writer, t activity.Type) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var params json.RawMessage
	if p := strings.TrimSpace(opFlags.params); p != "" {
		if !json.Valid([]byte(p)) {
			return errors.New("--params must be valid JSON")
		}
		params = json.RawMessage(p)
	}

	loginCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	apiClient, err := login(loginCtx)
	cancel()
	if err != nil {
		return err
	}

	sess := client.NewSessionClient(apiClient, terminalPrompter{})
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	act, err := apiClient.StartActivity(ctx, client.StartRequest{
		Type:      t,
		Params:    params,
		SessionID: sess.SessionID(),
		Username:  opFlags.sudoUser,
	})
	var conflict *activity.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("%s %s is already running (started %s); use 'hostdeck attach' to follow it",
			conflict.Running.Type, conflict.Running.ID, conflict.Running.StartedAt.Local().Format(time.Kitchen))
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Started %s %s\n", act.Type, act.ID)

	return follow(ctx, apiClient, out, act.ID)
}

func attachOperation(ctx context.Context, out io.Writer, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loginCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	apiClient, err := login(loginCtx)
	cancel()
	if err != nil {
		return err
	}

	if id == "" {
		current, ok, err := apiClient.CurrentActivity(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("no operation is running")
		}
		id = current.ID
		fmt.Fprintf(os.Stderr, "Attached to %s %s\n", current.Type, current.ID)
	}
	return follow(ctx, apiClient, out, id)
}

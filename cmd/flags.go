package cmd

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/unifiedattestation/attestflow/canonical"
)

var (
	fields       = map[string]string{}
	action       string
	sessionID    string
	timestamp    int64
	eventLogPath string
)

// fieldsFlag collects repeated key=value request context fields.
type fieldsFlag struct {
	value *map[string]string
}

func (f *fieldsFlag) Set(val string) error {
	k, v, ok := strings.Cut(val, "=")
	if !ok {
		return fmt.Errorf("field %q is not of the form key=value", val)
	}
	if k == "" {
		return errors.New("field key cannot be empty")
	}
	if *f.value == nil {
		*f.value = map[string]string{}
	}
	(*f.value)[k] = v
	return nil
}

func (f *fieldsFlag) Type() string {
	return "key=value"
}

func (f *fieldsFlag) String() string {
	keys := make([]string, 0, len(*f.value))
	for k := range *f.value {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, (*f.value)[k])
	}
	return b.String()
}

// Disable the "help" subcommand (and just use the -h/--help flags).
// This should be called on all commands with subcommands.
// See https://github.com/spf13/cobra/issues/587 for why this is needed.
func hideHelp(cmd *cobra.Command) {
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

// Lets this command describe the request context being attested.
func addRequestFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().Var(&fieldsFlag{&fields}, "field",
		"request context field as key=value, repeatable; overrides --action, --session and --ts")
	cmd.PersistentFlags().StringVar(&action, "action", "login", "action of the login request context")
	cmd.PersistentFlags().StringVar(&sessionID, "session", "",
		"session id of the login request context (defaults to a random id)")
	cmd.PersistentFlags().Int64Var(&timestamp, "ts", 0,
		"unix timestamp of the login request context (defaults to now)")
}

// Lets this command read the TCG event log from a file.
func addEventLogFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&eventLogPath, "event-log", "",
		"event log file to include in attestations (defaults to the kernel event log)")
}

// requestContext builds the context described by the request flags.
func requestContext() (canonical.RequestContext, error) {
	if len(fields) > 0 {
		return canonical.NewRequestContext(fields)
	}
	sid := sessionID
	if sid == "" {
		sid = uuid.NewString()
	}
	ts := time.Now()
	if timestamp != 0 {
		ts = time.Unix(timestamp, 0)
	}
	return canonical.LoginContext(sid, ts).With(canonical.KeyAction, action), nil
}

// eventLogReader returns nil when the kernel event log should be used.
func eventLogReader() func() ([]byte, error) {
	if eventLogPath == "" {
		return nil
	}
	path := eventLogPath
	return func() ([]byte, error) {
		return os.ReadFile(path)
	}
}

package executor

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/relay/internal/persistence"
	"github.com/basket/relay/internal/shared"
)

// launchEnv holds the per-spawn values injected into the sandbox. The
// capability token is minted fresh for every spawn, so it travels through
// exec environment variables rather than container-create env.
type launchEnv struct {
	Token        string
	RelayBaseURL string
	GitProxyURL  string
}

func (e launchEnv) vars(sess *persistence.Session) []string {
	tag := sessionTag(sess)
	return []string{
		"RELAY_CAPABILITY_TOKEN=" + e.Token,
		"RELAY_WS_URL=" + wsURL(e.RelayBaseURL, tag),
		"RELAY_REST_URL=" + fmt.Sprintf("%s/api/sessions/%s/events", e.RelayBaseURL, tag),
		"RELAY_SESSION_TAG=" + tag,
	}
}

func sessionTag(sess *persistence.Session) string {
	id, err := uuid.Parse(sess.ID)
	if err != nil {
		return sess.ID
	}
	return shared.FormatSessionTag(id)
}

func wsURL(base, tag string) string {
	u := strings.Replace(base, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	return u + "/ws/ingress/" + tag
}

// buildSetupScript produces the shell script run synchronously before the
// agent launches: credential helper installation, git URL rewriting through
// the proxy, then clone and branch checkout if a source is declared.
func buildSetupScript(sess *persistence.Session, env launchEnv, workdir string) string {
	var b strings.Builder
	b.WriteString("set -e\n")

	// The helper echoes the capability token so git never stores it on disk.
	b.WriteString("cat > /usr/local/bin/relay-credential-helper <<'EOF'\n")
	b.WriteString("#!/bin/sh\n")
	b.WriteString("echo \"username=x-capability-token\"\n")
	b.WriteString("echo \"password=${RELAY_CAPABILITY_TOKEN}\"\n")
	b.WriteString("EOF\n")
	b.WriteString("chmod +x /usr/local/bin/relay-credential-helper\n")
	b.WriteString("git config --global credential.helper /usr/local/bin/relay-credential-helper\n")

	if env.GitProxyURL != "" {
		fmt.Fprintf(&b, "git config --global url.%q.insteadOf \"https://github.com/\"\n",
			strings.TrimSuffix(env.GitProxyURL, "/")+"/")
	}

	fmt.Fprintf(&b, "mkdir -p %s\n", shellQuote(workdir))
	fmt.Fprintf(&b, "cd %s\n", shellQuote(workdir))

	if len(sess.GitSources) > 0 {
		src := sess.GitSources[0]
		fmt.Fprintf(&b, "if [ ! -d repo/.git ]; then git clone %s repo; fi\n", shellQuote(src.Repo))
		b.WriteString("cd repo\n")
		if src.Ref != "" {
			fmt.Fprintf(&b, "git fetch origin %s\n", shellQuote(src.Ref))
			fmt.Fprintf(&b, "git checkout %s\n", shellQuote(src.Ref))
		}
		if len(sess.GitOutcomes) > 0 && sess.GitOutcomes[0].Branch != "" {
			fmt.Fprintf(&b, "git checkout -B %s\n", shellQuote(sess.GitOutcomes[0].Branch))
		}
	}
	return b.String()
}

// buildLaunchCommand produces the detached agent invocation. Its lifecycle is
// not awaited here; exit handling attaches to the backend's own wait channel.
func buildLaunchCommand(sess *persistence.Session, agentCommand, workdir string) string {
	args := []string{shellQuote(agentCommand)}
	if sess.Model != "" {
		args = append(args, "--model", shellQuote(sess.Model))
	}
	if len(sess.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", shellQuote(strings.Join(sess.AllowedTools, ",")))
	}
	if len(sess.DisallowedTools) > 0 {
		args = append(args, "--disallowed-tools", shellQuote(strings.Join(sess.DisallowedTools, ",")))
	}
	dir := workdir
	if len(sess.GitSources) > 0 {
		dir = workdir + "/repo"
	}
	return fmt.Sprintf("cd %s && exec %s", shellQuote(dir), strings.Join(args, " "))
}

// killStaleAgentCommand terminates any agent process left over from a prior
// run inside a still-running sandbox. Exit status is ignored on purpose.
func killStaleAgentCommand(agentCommand string) string {
	return fmt.Sprintf("pkill -f %s || true", shellQuote(agentCommand))
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

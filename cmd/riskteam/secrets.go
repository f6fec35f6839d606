package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"riskteam/pkg/config"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage encrypted project secrets",
	Long: `Secrets (API keys, the web UI password) are stored encrypted in
.riskteam/secrets.json.enc. The project password is read from RISKTEAM_PASSWORD
or prompted for.`,
}

var secretsSetCmd = &cobra.Command{
	Use:   "set NAME [VALUE]",
	Short: "Set a secret (value is prompted for when omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runSecretsSet,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List secret names",
	Args:  cobra.NoArgs,
	RunE:  runSecretsList,
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd)
	secretsCmd.AddCommand(secretsListCmd)
}

func runSecretsSet(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !validSecretName(name) {
		return fmt.Errorf("secret name %q must contain only letters, digits and underscores", name)
	}

	exists := config.SecretsFileExists(projectDir)
	password, err := projectPassword(!exists)
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("a project password is required to store secrets")
	}
	if exists {
		secrets, err := config.DecryptSecretsFile(projectDir, password)
		if err != nil {
			return fmt.Errorf("decrypt secrets: %w", err)
		}
		config.SetDecryptedSecrets(secrets)
	}

	var value string
	if len(args) == 2 {
		value = args[1]
	} else if value, err = readSecret(fmt.Sprintf("Value for %s: ", name)); err != nil {
		return err
	}
	if value == "" {
		return errors.New("secret value is empty")
	}

	config.SetSecret(name, value)
	if err := config.SaveSecretsToFile(projectDir, password); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✅ Secret %s saved to %s\n", name, config.SecretsFilePath(projectDir))
	return nil
}

func runSecretsList(cmd *cobra.Command, _ []string) error {
	if _, err := unlockSecrets(projectDir); err != nil {
		return err
	}
	names := config.GetDecryptedSecretNames()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored.")
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(cmd.OutOrStdout(), n)
	}
	return nil
}

// unlockSecrets decrypts the project secrets file into memory, returning the
// password used. Without a secrets file or a password it does nothing.
func unlockSecrets(dir string) (string, error) {
	if !config.SecretsFileExists(dir) {
		return "", nil
	}
	password, err := projectPassword(false)
	if err != nil {
		return "", err
	}
	if password == "" {
		fmt.Fprintf(os.Stderr, "⚠️  %s is encrypted but no password was given; using environment credentials only\n",
			config.SecretsFilePath(dir))
		return "", nil
	}
	secrets, err := config.DecryptSecretsFile(dir, password)
	if err != nil {
		return "", fmt.Errorf("decrypt secrets: %w", err)
	}
	config.SetDecryptedSecrets(secrets)
	return password, nil
}

// projectPassword returns RISKTEAM_PASSWORD, or prompts when stdin is a
// terminal. confirm asks twice, for creating a new secrets file.
func projectPassword(confirm bool) (string, error) {
	if pw := os.Getenv(config.EnvProjectPassword); pw != "" {
		return pw, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", nil
	}

	first, err := readPassword("Project password: ")
	if err != nil {
		return "", err
	}
	if !confirm {
		return string(first), nil
	}
	second, err := readPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if !bytes.Equal(first, second) {
		return "", errors.New("passwords do not match")
	}
	return string(first), nil
}

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	return pw, nil
}

// readSecret reads a value without echo from a terminal, or one line from piped stdin.
func readSecret(prompt string) (string, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := readPassword(prompt)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read secret value: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func validSecretName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return false
		}
	}
	return true
}

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"

	"github.com/joshp123/gohome-ebeco/internal/config"
	"github.com/joshp123/gohome-ebeco/plugins/ebeco"
)

func ebecoMain(args []string) {
	if len(args) == 0 {
		ebecoUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "devices":
		ebecoDevicesCmd(args[1:])
	case "setup":
		ebecoSetupCmd(args[1:])
	default:
		ebecoUsage()
		os.Exit(2)
	}
}

func ebecoUsage() {
	fmt.Println("gohome ebeco <command> [args]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  devices --email user@example.com [--password-file path] [--base-url url]")
	fmt.Println("  setup --email user@example.com --device-id N [--name name] [--main-sensor floor|room] [--password-file path]")
}

type accountFlags struct {
	email        *string
	passwordFile *string
	baseURL      *string
}

func registerAccountFlags(flags *flag.FlagSet) accountFlags {
	return accountFlags{
		email:        flags.String("email", "", "Ebeco Connect account email"),
		passwordFile: flags.String("password-file", "", "File holding the account password (if omitted, GOHOME_EBECO_PASSWORD or prompt)"),
		baseURL:      flags.String("base-url", "", "Override the Ebeco Connect API base URL"),
	}
}

func (a accountFlags) devices(ctx context.Context) ([]ebeco.DeviceSummary, error) {
	if *a.email == "" {
		return nil, fmt.Errorf("--email is required")
	}
	password, err := readPassword(*a.passwordFile)
	if err != nil {
		return nil, err
	}
	client, err := ebeco.NewClient(ebeco.Config{Email: *a.email, Password: password, BaseURL: *a.baseURL}, nil)
	if err != nil {
		return nil, err
	}
	if err := client.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("invalid auth: %w", err)
	}
	return ebeco.ListDevices(ctx, client)
}

func ebecoDevicesCmd(args []string) {
	flags := flag.NewFlagSet("ebeco devices", flag.ExitOnError)
	account := registerAccountFlags(flags)
	_ = flags.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	devices, err := account.devices(ctx)
	if err != nil {
		fatal("ebeco devices", err)
	}
	for _, d := range devices {
		fmt.Printf("%d\t%s\n", d.ID, d.DisplayName)
	}
}

func ebecoSetupCmd(args []string) {
	flags := flag.NewFlagSet("ebeco setup", flag.ExitOnError)
	account := registerAccountFlags(flags)
	deviceID := flags.Int64("device-id", 0, "Device to control (see `gohome ebeco devices`)")
	name := flags.String("name", "", "Entry name (defaults to the device's display name)")
	mainSensor := flags.String("main-sensor", config.DefaultMainSensor, "Sensor shown as current temperature: floor or room")
	_ = flags.Parse(args)

	if *deviceID <= 0 {
		fatal("ebeco setup", fmt.Errorf("--device-id is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	devices, err := account.devices(ctx)
	if err != nil {
		fatal("ebeco setup", err)
	}
	title, sensor, err := ebeco.ResolveEntry(devices, *deviceID, *mainSensor)
	if err != nil {
		fatal("ebeco setup", err)
	}

	entryName := *name
	if entryName == "" {
		entryName = slug(title)
	}
	entry := map[string]any{
		"name":        entryName,
		"email":       *account.email,
		"device_id":   *deviceID,
		"main_sensor": string(sensor),
	}
	if *account.passwordFile != "" {
		entry["password_file"] = *account.passwordFile
	}
	if *account.baseURL != "" {
		entry["base_url"] = *account.baseURL
	}

	out, err := yaml.Parser().Marshal(map[string]any{"ebeco": []any{entry}})
	if err != nil {
		fatal("ebeco setup", err)
	}
	fmt.Printf("# %s\n", title)
	fmt.Print(string(out))
}

func readPassword(path string) (string, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if value := os.Getenv("GOHOME_EBECO_PASSWORD"); value != "" {
		return value, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	text, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	password := strings.TrimSpace(text)
	if password == "" {
		return "", fmt.Errorf("password is required")
	}
	return password, nil
}

func slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case b.Len() > 0 && !strings.HasSuffix(b.String(), "_"):
			b.WriteByte('_')
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"google.golang.org/grpc"

	"github.com/joshp123/gohome-ebeco/internal/rpc"
	"github.com/joshp123/gohome-ebeco/plugins/ebeco"
)

func ebecoCmd(ctx context.Context, conn *grpc.ClientConn, args []string, out printer) {
	if len(args) == 0 {
		ebecoUsage()
		os.Exit(2)
	}

	switch args[0] {
	case "entries", "list":
		var resp struct {
			Entries []ebeco.State `json:"entries"`
		}
		ebecoCall(ctx, conn, "ListEntries", nil, &resp)
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{stateHeader()}
		for _, state := range resp.Entries {
			rows = append(rows, stateRow(state))
		}
		out.table(rows)
	case "state", "status":
		entry := optionalEntry(ctx, conn, args[1:])
		var state ebeco.State
		ebecoCall(ctx, conn, "GetState", map[string]any{"entry": entry}, &state)
		printState(out, state)
	case "refresh":
		entry := optionalEntry(ctx, conn, args[1:])
		var state ebeco.State
		ebecoCall(ctx, conn, "Refresh", map[string]any{"entry": entry}, &state)
		printState(out, state)
	case "devices":
		entry := optionalEntry(ctx, conn, args[1:])
		var resp struct {
			Devices []ebeco.DeviceSummary `json:"devices"`
		}
		ebecoCall(ctx, conn, "ListDevices", map[string]any{"entry": entry}, &resp)
		if out.json {
			out.printJSON(resp)
			return
		}
		rows := [][]string{{"ID", "NAME"}}
		for _, d := range resp.Devices {
			rows = append(rows, []string{strconv.FormatInt(d.ID, 10), d.DisplayName})
		}
		out.table(rows)
	case "on", "off":
		entry := optionalEntry(ctx, conn, args[1:])
		var state ebeco.State
		ebecoCall(ctx, conn, "SetPower", map[string]any{"entry": entry, "on": args[0] == "on"}, &state)
		printState(out, state)
	case "set":
		entry, value := entryAndValue(ctx, conn, "set", args[1:])
		temp, err := strconv.ParseFloat(value, 64)
		if err != nil {
			fatal("ebeco set", fmt.Errorf("invalid temperature %q", value))
		}
		var state ebeco.State
		ebecoCall(ctx, conn, "SetTemperature", map[string]any{"entry": entry, "temperature": temp}, &state)
		printState(out, state)
	case "preset":
		entry, value := entryAndValue(ctx, conn, "preset", args[1:])
		var state ebeco.State
		ebecoCall(ctx, conn, "SetPreset", map[string]any{"entry": entry, "preset": value}, &state)
		printState(out, state)
	case "mode":
		entry, value := entryAndValue(ctx, conn, "mode", args[1:])
		var state ebeco.State
		ebecoCall(ctx, conn, "SetHVACMode", map[string]any{"entry": entry, "mode": value}, &state)
		printState(out, state)
	default:
		ebecoUsage()
		os.Exit(2)
	}
}

func ebecoUsage() {
	fmt.Println("gohome-cli ebeco <command>")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  entries")
	fmt.Println("  state [entry]")
	fmt.Println("  refresh [entry]")
	fmt.Println("  devices [entry]")
	fmt.Println("  on|off [entry]")
	fmt.Println("  set [entry] <temp>")
	fmt.Println("  preset [entry] <Manual|Home|Timer>")
	fmt.Println("  mode [entry] <heat|off>")
}

func ebecoCall(ctx context.Context, conn *grpc.ClientConn, method string, fields map[string]any, out any) {
	resp, err := rpc.CallStruct(ctx, conn, ebeco.ServiceFullName, method, fields)
	if err != nil {
		fatal("ebeco "+method, err)
	}
	if err := rpc.FromStruct(resp, out); err != nil {
		fatal("ebeco "+method, err)
	}
}

// optionalEntry resolves a loosely typed entry name. No argument lets the
// server pick the only entry.
func optionalEntry(ctx context.Context, conn *grpc.ClientConn, args []string) string {
	if len(args) == 0 {
		return ""
	}
	return resolveEntry(ctx, conn, args[0])
}

func entryAndValue(ctx context.Context, conn *grpc.ClientConn, action string, args []string) (string, string) {
	switch len(args) {
	case 1:
		return "", args[0]
	case 2:
		return resolveEntry(ctx, conn, args[0]), args[1]
	default:
		fatal("ebeco "+action, fmt.Errorf("usage: gohome-cli ebeco %s [entry] <value>", action))
		return "", ""
	}
}

func resolveEntry(ctx context.Context, conn *grpc.ClientConn, input string) string {
	var resp struct {
		Entries []ebeco.State `json:"entries"`
	}
	ebecoCall(ctx, conn, "ListEntries", nil, &resp)
	names := make([]string, 0, len(resp.Entries))
	for _, state := range resp.Entries {
		names = append(names, state.Entry)
	}
	name, err := matchEntry(input, names)
	if err != nil {
		fatal("ebeco", err)
	}
	return name
}

func printState(out printer, state ebeco.State) {
	if out.json {
		out.printJSON(state)
		return
	}
	out.table([][]string{stateHeader(), stateRow(state)})
	if state.LastError != "" {
		fmt.Printf("last error: %s\n", state.LastError)
	}
}

func stateHeader() []string {
	return []string{"ENTRY", "MODE", "ACTION", "CURRENT", "TARGET", "PRESET", "UPDATED"}
}

func stateRow(state ebeco.State) []string {
	if state.Entities == nil {
		return []string{state.Entry, "-", "-", "-", "-", "-", "not ready"}
	}
	climate := state.Entities.Climate
	updated := "-"
	if state.UpdatedAt != nil {
		updated = state.UpdatedAt.Local().Format(time.DateTime)
	}
	return []string{
		state.Entry,
		string(climate.HVACMode),
		string(climate.HVACAction),
		formatCelsius(climate.CurrentTemperature),
		formatCelsius(climate.TargetTemperature),
		climate.PresetMode,
		updated,
	}
}

func formatCelsius(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f°C", *v)
}

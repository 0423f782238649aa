package main

import (
	"encoding/json"
	"fmt"
	"os"

	"chathub/server/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("chathub server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "bans":
		return cliBans(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	name, _, _ := st.GetSetting(store.ServerName)
	n, err := st.AuditLogCount()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Audit log entries: %d\n", n)
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliBans(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		bans, err := st.GetBans()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(bans) == 0 {
			fmt.Println("No bans found.")
			return true
		}
		for _, b := range bans {
			perm := "permanent"
			if b.DurationS > 0 {
				perm = fmt.Sprintf("%ds", b.DurationS)
			}
			fmt.Printf("  %s  reason=%q by=%q duration=%s\n", b.Name, b.Reason, b.BannedBy, perm)
		}
		return true
	}

	if args[0] == "add" && len(args) > 1 {
		name := args[1]
		reason := ""
		if len(args) > 2 {
			reason = args[2]
		}
		if err := st.BanName(name, reason, "cli", 0); err != nil {
			fmt.Fprintf(os.Stderr, "error banning %q: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("Banned %q\n", name)
		return true
	}

	if args[0] == "remove" && len(args) > 1 {
		name := args[1]
		if err := st.UnbanName(name); err != nil {
			fmt.Fprintf(os.Stderr, "error unbanning %q: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Printf("Unbanned %q\n", name)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server bans [list|add <name> [reason]|remove <name>]\n")
	os.Exit(1)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	if len(args) == 0 || args[0] == "list" {
		name, _, _ := st.GetSetting(store.ServerName)
		out, _ := json.MarshalIndent(map[string]string{store.ServerName: name}, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "chathub-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"chatcore/internal/model"
	"chatcore/internal/store"
)

// RunCLI handles subcommand execution. Returns true if a subcommand was handled.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	subcmd := args[0]
	switch subcmd {
	case "version":
		fmt.Printf("chatcore %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openCLIStore(dbPath string) *store.Store {
	st, err := store.Open(dbPath, store.PolicyYes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	users, err := st.ListUsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	activeName := "(none)"
	if u, err := st.GetActiveUser(ctx); err == nil {
		activeName = u.Profile.DisplayName
	}

	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Version: %s\n", Version)
	fmt.Printf("Users: %d\n", len(users))
	fmt.Printf("Active user: %s\n", activeName)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.ListUsers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return true
		}
		for _, u := range users {
			marker := ""
			if u.Active {
				marker = " (active)"
			}
			fmt.Printf("  [%d] %s%s\n", u.UserID, u.Profile.DisplayName, marker)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		name := args[1]
		existing, err := st.ListUsers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		u := model.User{
			AgentUserID:       name,
			Profile:           model.Profile{DisplayName: name},
			Active:            len(existing) == 0,
			ShowNotifications: true,
		}
		id, err := st.CreateUser(ctx, u)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q (id=%d)\n", name, id)
		return true
	}

	if args[0] == "active" && len(args) > 1 {
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: user id must be numeric\n")
			os.Exit(1)
		}
		if err := st.SetActiveUser(ctx, model.UserID(id)); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set user %d active\n", id)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: chatcore users [list|create <name>|active <id>]\n")
	os.Exit(1)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()
	ctx := context.Background()

	usage := func() bool {
		fmt.Fprintf(os.Stderr, "Usage: chatcore settings <user-id> [list|set <key> <value>]\n")
		os.Exit(1)
		return true
	}
	if len(args) == 0 {
		return usage()
	}
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: user id must be numeric\n")
		os.Exit(1)
	}
	rest := args[1:]

	if len(rest) == 0 || rest[0] == "list" {
		settings, err := st.ListSettings(ctx, model.UserID(userID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if rest[0] == "set" && len(rest) > 2 {
		key, value := rest[1], rest[2]
		if err := st.SetSetting(ctx, model.UserID(userID), key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s for user %d\n", key, value, userID)
		return true
	}

	return usage()
}

func cliBackup(args []string, dbPath string) bool {
	st := openCLIStore(dbPath)
	defer st.Close()

	outPath := "chatcore-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}

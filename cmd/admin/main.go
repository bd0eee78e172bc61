package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"sandboxsweep.io/internal/persistence/backup"
	persistlog "sandboxsweep.io/internal/persistence/log"
	"sandboxsweep.io/internal/reconcile"
	"sandboxsweep.io/internal/settings"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "plan":
			planCmd(os.Args[2:])
			return
		case "restore":
			restoreCmd(os.Args[2:])
			return
		case "reports":
			reportsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "sweep":
			sweepCmd(os.Args[2:])
			return
		case "backups":
			backupsCmd(os.Args[2:])
			return
		}
	}
	backupsCmd(os.Args[1:])
}

func backupsCmd(args []string) {
	fs := flag.NewFlagSet("backups", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	sets, err := backup.New(*dataDir).List()
	if err != nil {
		fmt.Fprintln(os.Stderr, "list:", err)
		os.Exit(1)
	}
	for _, m := range sets {
		names := make([]string, 0, len(m.Files))
		for _, f := range m.Files {
			names = append(names, f.Name)
		}
		fmt.Printf("%s\tpass=%s\tfiles=%s\n", m.ID, m.PassID, strings.Join(names, ","))
	}
}

func restoreCmd(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	worldDir := fs.String("world", "", "world save directory to restore into")
	id := fs.String("id", "", "backup set id (defaults to the newest)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldDir) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	store := backup.New(*dataDir)
	setID := strings.TrimSpace(*id)
	if setID == "" {
		sets, err := store.List()
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
		if len(sets) == 0 {
			fmt.Fprintln(os.Stderr, "no backups found")
			os.Exit(2)
		}
		setID = sets[0].ID
	}
	restored, err := store.Restore(setID, *worldDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "restore:", err)
		os.Exit(1)
	}
	fmt.Printf("restore ok: id=%s files=%s\n", setID, strings.Join(restored, ","))
}

func planCmd(args []string) {
	fs := flag.NewFlagSet("plan", flag.ExitOnError)
	worldDir := fs.String("world", "", "world save directory")
	configPath := fs.String("config", "", "path to sweeper.yaml (optional)")
	ignoreFactions := fs.Bool("ignore_faction_membership", false, "treat faction members without blocks as orphans")
	deleteNPC := fs.Bool("delete_npc_ships", false, "include the NPC ship purge")
	asJSON := fs.Bool("json", false, "print the full report as json")
	_ = fs.Parse(args)

	if strings.TrimSpace(*worldDir) == "" {
		fmt.Fprintln(os.Stderr, "missing -world")
		os.Exit(2)
	}
	cur, err := settings.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load settings:", err)
		os.Exit(1)
	}
	cfg := cur.ReconcileConfig()
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "ignore_faction_membership":
			cfg.IgnoreFactionMembership = *ignoreFactions
		case "delete_npc_ships":
			cfg.DeleteNPCShips = *deleteNPC
		}
	})

	rec := &reconcile.Reconciler{}
	rep, err := rec.Plan(reconcile.WorldPaths(*worldDir), cfg)
	if *asJSON {
		printJSON(rep)
	} else {
		for _, p := range rep.Purged {
			fmt.Printf("purge entity %s %q blocks=%d\n", p.ID, p.DisplayName, p.OwnedBlocks)
		}
		for _, rm := range rep.Removals {
			fmt.Printf("remove identity %s %q client=%s records=%d\n", rm.IdentityID, rm.DisplayName, rm.ClientID, rm.Counts.Total())
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "plan:", err)
		os.Exit(1)
	}
}

func reportsCmd(args []string) {
	fs := flag.NewFlagSet("reports", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	limit := fs.Int("limit", 20, "show the newest n passes (0 for all)")
	asJSON := fs.Bool("json", false, "print reports as json lines")
	_ = fs.Parse(args)

	reps, err := persistlog.ReadReports(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read reports:", err)
		os.Exit(1)
	}
	if *limit > 0 && len(reps) > *limit {
		reps = reps[len(reps)-*limit:]
	}
	for _, r := range reps {
		if *asJSON {
			b, _ := json.Marshal(r)
			fmt.Println(string(b))
			continue
		}
		fmt.Printf("%s\t%s\toutcome=%s\tdry_run=%v\tremoved=%d\tpurged=%d\n",
			r.FinishedAt.Format("2006-01-02T15:04:05Z"), r.PassID, r.Outcome, r.Config.DryRun, len(r.Removals), len(r.Purged))
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

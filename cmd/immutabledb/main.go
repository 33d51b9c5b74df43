// immutabledb is an interactive CLI for an on-disk immutable block store.
//
// Usage:
//
//	immutabledb --root <dir> --config <config.hujson> [flags]
//
// Commands (in REPL):
//
//	info                            Show tip and current epoch
//	get <slot>                      Show the block at an absolute slot
//	getebb <epoch>                  Show the EBB of an epoch
//	append <slot> <hex>             Append an ordinary block
//	appendebb <epoch> <hex>         Append an epoch boundary block
//	stream <from> <to>              Print every entry in [from, to]
//	truncate <slot>                 Roll the tip back to slot (0 = origin)
//	catalog                         Rebuild the sqlite scan catalog
//	help                            Show this help
//	exit / quit / q                 Exit
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/eyeinsky/ouroboros-network/pkg/chain"
	"github.com/eyeinsky/ouroboros-network/pkg/fs"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb"
	"github.com/eyeinsky/ouroboros-network/pkg/immutabledb/demoformat"
)

// hfAdapter bridges pkg/hardfork's EpochToSlot/SlotToEpoch into the narrow
// immutabledb.EpochInfo shape. It lives here, not in either core package,
// since pkg/chain documents the two as intentionally independent.
type hfAdapter struct {
	hf interface {
		EpochToSlot(chain.EpochNo) (chain.SlotNo, uint64, error)
		SlotToEpoch(chain.SlotNo) (chain.EpochNo, chain.RelativeSlot, error)
	}
}

func (a hfAdapter) EpochSize(epoch chain.EpochNo) (uint64, error) {
	_, size, err := a.hf.EpochToSlot(epoch)
	return size, err
}

func (a hfAdapter) FirstSlotOf(epoch chain.EpochNo) (chain.SlotNo, error) {
	slot, _, err := a.hf.EpochToSlot(epoch)
	return slot, err
}

func (a hfAdapter) BlockRelative(slot chain.SlotNo) (chain.EpochSlot, error) {
	epoch, rel, err := a.hf.SlotToEpoch(slot)
	return chain.EpochSlot{Epoch: epoch, Rel: rel}, err
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		root        string
		configPath  string
		policyName  string
		catalogPath string
	)
	flag.StringVar(&root, "root", "", "store root directory (required)")
	flag.StringVar(&configPath, "config", "", "hard-fork history config file, hujson (required)")
	flag.StringVar(&policyName, "policy", "most-recent", "validation policy: all | most-recent")
	flag.StringVar(&catalogPath, "catalog", "", "sqlite catalog path (default: <root>/catalog.sqlite)")
	flag.Parse()

	if root == "" || configPath == "" {
		flag.Usage()
		return fmt.Errorf("--root and --config are required")
	}
	if catalogPath == "" {
		catalogPath = filepath.Join(root, "catalog.sqlite")
	}

	epochInfo, _, err := loadEpochInfo(configPath)
	if err != nil {
		return err
	}

	var policy immutabledb.ValidationPolicy
	switch policyName {
	case "all":
		policy = immutabledb.ValidateAllEpochs
	case "most-recent":
		policy = immutabledb.ValidateMostRecentEpoch
	default:
		return fmt.Errorf("unknown --policy %q", policyName)
	}

	db, err := immutabledb.Open(immutabledb.Config{
		FS:        fs.NewReal(),
		Root:      root,
		EpochInfo: hfAdapter{hf: epochInfo},
		Parser:    demoformat.Parser{},
		Policy:    policy,
	})
	if err != nil {
		return fmt.Errorf("opening store at %s: %w", root, err)
	}
	defer db.Close()

	if args := flag.Args(); len(args) > 0 && args[0] == "catalog" {
		return runCatalog(db, hfAdapter{hf: epochInfo}, catalogPath)
	}

	repl := &REPL{db: db, epochInfo: hfAdapter{hf: epochInfo}, catalogPath: catalogPath}
	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	db          *immutabledb.DB
	epochInfo   hfAdapter
	catalogPath string
	liner       *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".immutabledb_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Println("immutabledb - block store CLI")
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("immutabledb> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil

		case "help", "?":
			r.printHelp()

		case "info":
			r.cmdInfo()

		case "get":
			r.cmdGet(args)

		case "getebb":
			r.cmdGetEBB(args)

		case "append":
			r.cmdAppend(args)

		case "appendebb":
			r.cmdAppendEBB(args)

		case "stream":
			r.cmdStream(args)

		case "truncate":
			r.cmdTruncate(args)

		case "catalog":
			r.cmdCatalog()

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"info", "get", "getebb", "append", "appendebb",
		"stream", "truncate", "catalog", "clear", "cls",
		"help", "exit", "quit", "q",
	}
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  info                      Show tip and current epoch")
	fmt.Println("  get <slot>                Show the block at an absolute slot")
	fmt.Println("  getebb <epoch>            Show the EBB of an epoch")
	fmt.Println("  append <slot> <hex>       Append an ordinary block with the given hex payload")
	fmt.Println("  appendebb <epoch> <hex>   Append an epoch boundary block")
	fmt.Println("  stream <from> <to>        Print every entry in [from, to]")
	fmt.Println("  truncate <slot>           Roll the tip back to slot (0 = origin)")
	fmt.Println("  catalog                   Rebuild and summarize the sqlite catalog")
	fmt.Println("  help                      Show this help")
	fmt.Println("  exit / quit / q           Exit")
}

func (r *REPL) cmdInfo() {
	tip, err := r.db.GetTip()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("tip:", tip)
}

func (r *REPL) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <slot>")
		return
	}
	slot, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("invalid slot:", err)
		return
	}
	hash, found, err := r.db.GetBlockComponent(chain.SlotNo(slot), immutabledb.Hash())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !found {
		fmt.Println("empty slot")
		return
	}
	fmt.Printf("hash=%x\n", hash)
}

func (r *REPL) cmdGetEBB(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: getebb <epoch>")
		return
	}
	epoch, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("invalid epoch:", err)
		return
	}
	hash, found, err := r.db.GetEBBComponent(chain.EpochNo(epoch), immutabledb.Hash())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !found {
		fmt.Println("no EBB in that epoch")
		return
	}
	fmt.Printf("hash=%x\n", hash)
}

func (r *REPL) cmdAppend(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: append <slot> <hex-payload>")
		return
	}
	slot, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("invalid slot:", err)
		return
	}
	payload, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Println("invalid hex payload:", err)
		return
	}
	hash := sha256.Sum256(payload)
	info := demoformat.Encode(chain.Block(chain.SlotNo(slot)), 0, uint16(len(payload)), hash[:], payload)

	tip, err := r.db.GetTip()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	blockNo := uint64(0)
	if ti, ok := tip.Info(); ok {
		blockNo = ti.BlockNo + 1
	}
	if err := r.db.AppendBlock(chain.SlotNo(slot), blockNo, hash[:], info); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("appended")
}

func (r *REPL) cmdAppendEBB(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: appendebb <epoch> <hex-payload>")
		return
	}
	epoch, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("invalid epoch:", err)
		return
	}
	payload, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Println("invalid hex payload:", err)
		return
	}
	hash := sha256.Sum256(payload)
	info := demoformat.Encode(chain.EBB(chain.EpochNo(epoch)), 0, uint16(len(payload)), hash[:], payload)

	tip, err := r.db.GetTip()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	blockNo := uint64(0)
	if ti, ok := tip.Info(); ok {
		blockNo = ti.BlockNo + 1
	}
	if err := r.db.AppendEBB(chain.EpochNo(epoch), blockNo, hash[:], info); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("appended")
}

func (r *REPL) cmdStream(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: stream <from> <to>")
		return
	}
	from, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("invalid from:", err)
		return
	}
	to, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		fmt.Println("invalid to:", err)
		return
	}

	it, err := r.db.Stream(chain.SlotNo(from), chain.SlotNo(to), immutabledb.Hash())
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer it.Close()

	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		fmt.Printf("slot=%d hash=%x\n", v.Slot, v.Value)
	}
	if err := it.Err(); err != nil {
		fmt.Println("error:", err)
	}
}

func (r *REPL) cmdTruncate(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: truncate <slot>  (0 = roll back to origin)")
		return
	}
	slot, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Println("invalid slot:", err)
		return
	}

	var newTip chain.Tip
	if slot == 0 {
		newTip = chain.Origin
	} else {
		hash, found, err := r.db.GetBlockComponent(chain.SlotNo(slot), immutabledb.Hash())
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		if !found {
			fmt.Println("no entry at that slot")
			return
		}
		es, err := r.epochInfo.BlockRelative(chain.SlotNo(slot))
		if err != nil {
			fmt.Println("error:", err)
			return
		}
		newTip = chain.NewTip(chain.TipInfo{
			Hash:      hash.([]byte),
			Tag:       chain.Block(chain.SlotNo(slot)),
			EpochSlot: es,
		})
	}

	if err := r.db.DeleteAfter(newTip); err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println("truncated")
}

func (r *REPL) cmdCatalog() {
	if err := runCatalog(r.db, r.epochInfo, r.catalogPath); err != nil {
		fmt.Println("error:", err)
	}
}

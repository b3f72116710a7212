// Copyright (C) 2019-2023, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// quadb is a command-line shell over the quadrable store.
//
//	quadb [flags] init
//	quadb [flags] put <key> <val>
//	quadb [flags] get <key>
//	quadb [flags] del <key>
//	quadb [flags] root | stats | status | dump
//	quadb [flags] export | import [--sep=<sep>]
//	quadb [flags] diff <head> | patch
//	quadb [flags] head [rm <head>]
//	quadb [flags] checkout [<head>]
//	quadb [flags] fork <head> [--from=<head>]
//	quadb [flags] gc
//	quadb [flags] exportProof [--format=noKeys|withKeys] [--hex] [--dump] <key>...
//	quadb [flags] importProof [--root=<hex>] [--hex]
//	quadb [flags] mergeProof [--hex]
//	quadb [flags] mineHash <prefix>
package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hoytech/quadrable"
	"github.com/hoytech/quadrable/database"
	"github.com/hoytech/quadrable/database/leveldb"
	"github.com/hoytech/quadrable/utils/maybe"
)

const currentHeadKey = "quadb/currentHead"

type quadb struct {
	db *quadrable.DB
	kv database.Database

	fs *flag.FlagSet

	dbDir       string
	noTrackKeys bool
	sep         string
	useHex      bool
	dump        bool
	format      string
	root        string
	from        string
	verbose     bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "quadb: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	q := &quadb{fs: flag.NewFlagSet("quadb", flag.ContinueOnError)}

	q.fs.StringVar(&q.dbDir, "db", "", "database directory")
	q.fs.BoolVar(&q.noTrackKeys, "noTrackKeys", false, "don't store original keys alongside leaves")
	q.fs.StringVar(&q.sep, "sep", ",", "key/value separator for export and import")
	q.fs.BoolVar(&q.useHex, "hex", false, "hex-encode binary input/output")
	q.fs.BoolVar(&q.dump, "dump", false, "print a decoded view instead of bytes")
	q.fs.StringVar(&q.format, "format", "noKeys", "proof encoding: noKeys or withKeys")
	q.fs.StringVar(&q.root, "root", "", "expected root hash, hex")
	q.fs.StringVar(&q.from, "from", "", "head to fork from")
	q.fs.BoolVar(&q.verbose, "verbose", false, "verbose logging")

	if err := q.fs.Parse(args); err != nil {
		return err
	}

	v := viper.New()
	v.SetEnvPrefix("QUADB")
	v.AutomaticEnv()
	if err := v.BindPFlags(q.fs); err != nil {
		return err
	}
	if q.dbDir == "" {
		q.dbDir = v.GetString("db")
	}
	if q.dbDir == "" {
		q.dbDir = "./quadb-dir"
	}

	rest := q.fs.Args()
	if len(rest) == 0 {
		return errors.New("no command given")
	}
	cmd, cmdArgs := rest[0], rest[1:]

	if cmd == "mineHash" {
		return q.cmdMineHash(cmdArgs)
	}

	kv, err := leveldb.New(q.dbDir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", q.dbDir, err)
	}
	defer kv.Close()
	q.kv = kv

	log := zap.NewNop()
	if q.verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}

	q.db, err = quadrable.New(kv, quadrable.Config{
		TrackKeys: !q.noTrackKeys,
		Log:       log,
	})
	if err != nil {
		return err
	}

	// The checked-out head persists across invocations.
	if head, err := kv.Get([]byte(currentHeadKey)); err == nil {
		q.db.Checkout(string(head))
	} else if !errors.Is(err, database.ErrNotFound) {
		return err
	}

	switch cmd {
	case "init":
		return nil
	case "put":
		return q.cmdPut(cmdArgs)
	case "get":
		return q.cmdGet(cmdArgs)
	case "del":
		return q.cmdDel(cmdArgs)
	case "root":
		return q.cmdRoot()
	case "stats":
		return q.cmdStats()
	case "status":
		return q.cmdStatus()
	case "dump":
		return q.cmdDump()
	case "export":
		return q.cmdExport()
	case "import":
		return q.cmdImport()
	case "diff":
		return q.cmdDiff(cmdArgs)
	case "patch":
		return q.cmdPatch()
	case "head":
		return q.cmdHead(cmdArgs)
	case "checkout":
		return q.cmdCheckout(cmdArgs)
	case "fork":
		return q.cmdFork(cmdArgs)
	case "gc":
		return q.cmdGC()
	case "exportProof":
		return q.cmdExportProof(cmdArgs)
	case "importProof":
		return q.cmdImportProof()
	case "mergeProof":
		return q.cmdMergeProof()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (q *quadb) withWriteTxn(f func(t *quadrable.Txn) error) error {
	t := q.db.Begin()
	if err := f(t); err != nil {
		t.Abort()
		return err
	}
	return t.Commit()
}

func (q *quadb) withReadTxn(f func(t *quadrable.Txn) error) error {
	t := q.db.Begin()
	defer t.Abort()
	return f(t)
}

func (q *quadb) cmdPut(args []string) error {
	if len(args) != 2 {
		return errors.New("usage: put <key> <val>")
	}
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		return q.db.Put(t, []byte(args[0]), []byte(args[1]))
	})
}

func (q *quadb) cmdGet(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: get <key>")
	}
	return q.withReadTxn(func(t *quadrable.Txn) error {
		val, exists, err := q.db.Get(t, []byte(args[0]))
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("key %q not found", args[0])
		}
		fmt.Printf("%s\n", val)
		return nil
	})
}

func (q *quadb) cmdDel(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: del <key>")
	}
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		return q.db.Del(t, []byte(args[0]))
	})
}

func (q *quadb) cmdRoot() error {
	return q.withReadTxn(func(t *quadrable.Txn) error {
		root, err := q.db.Root(t)
		if err != nil {
			return err
		}
		fmt.Println(root.String())
		return nil
	})
}

func (q *quadb) cmdStats() error {
	return q.withReadTxn(func(t *quadrable.Txn) error {
		stats, err := q.db.Stats(t)
		if err != nil {
			return err
		}
		fmt.Printf("nodes: %d\n", stats.NumNodes)
		fmt.Printf("  leaf: %d\n", stats.NumLeafNodes)
		fmt.Printf("  branch: %d\n", stats.NumBranchNodes)
		fmt.Printf("  witness: %d\n", stats.NumWitnessNodes)
		fmt.Printf("maxDepth: %d\n", stats.MaxDepth)
		fmt.Printf("bytes: %d\n", stats.NumBytes)
		return nil
	})
}

func (q *quadb) cmdStatus() error {
	return q.withReadTxn(func(t *quadrable.Txn) error {
		head, err := q.db.Head()
		if err != nil {
			return err
		}
		root, err := q.db.Root(t)
		if err != nil {
			return err
		}
		fmt.Printf("head: %s\nroot: %s\n", head, root)
		return nil
	})
}

func (q *quadb) cmdDump() error {
	return q.withReadTxn(func(t *quadrable.Txn) error {
		return q.db.WalkHead(t, func(node *quadrable.ParsedNode, depth int) bool {
			indent := strings.Repeat("  ", depth)
			switch {
			case node.NodeType == quadrable.NodeTypeLeaf:
				fmt.Printf("%sleaf(%d) %s = %q\n", indent, node.NodeID, node.LeafKeyHash(), node.LeafVal())
			case node.IsBranch():
				fmt.Printf("%sbranch(%d) %s\n", indent, node.NodeID, node.NodeHash())
			case node.IsWitnessLeaf():
				fmt.Printf("%switnessLeaf(%d) %s\n", indent, node.NodeID, node.LeafKeyHash())
			case node.IsWitness():
				fmt.Printf("%switness(%d) %s\n", indent, node.NodeID, node.NodeHash())
			}
			return true
		})
	})
}

func (q *quadb) cmdExport() error {
	return q.withReadTxn(func(t *quadrable.Txn) error {
		it, err := q.db.Iterate(t, quadrable.NullKey(), false)
		if err != nil {
			return err
		}
		for !it.AtEnd() {
			node := it.Node()
			if node.NodeType != quadrable.NodeTypeLeaf {
				return fmt.Errorf("can't export: tree contains witness leaves")
			}
			key, tracked, err := t.LeafKey(node.NodeID)
			if err != nil {
				return err
			}
			if tracked {
				fmt.Printf("%s%s%s\n", key, q.sep, node.LeafVal())
			} else {
				fmt.Printf("0x%s%s%s\n", node.LeafKeyHash(), q.sep, node.LeafVal())
			}
			if err := it.Next(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *quadb) cmdImport() error {
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		change := q.db.Change()
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			key, val, found := strings.Cut(line, q.sep)
			if !found {
				return fmt.Errorf("line %q missing separator %q", line, q.sep)
			}
			change.Put([]byte(key), []byte(val))
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		return change.Apply(t)
	})
}

func (q *quadb) cmdDiff(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: diff <head>")
	}
	return q.withReadTxn(func(t *quadrable.Txn) error {
		nodeIDA, err := q.db.HeadNodeID(t)
		if err != nil {
			return err
		}
		nodeIDB, err := q.db.NamedHeadNodeID(t, args[0])
		if err != nil {
			return err
		}
		records, err := q.db.Diff(t, nodeIDA, nodeIDB)
		if err != nil {
			return err
		}
		for _, rec := range records {
			op := "put"
			if rec.Deletion {
				op = "del"
			}
			fmt.Printf("%s\t%s\t%s\t%s\n", op, rec.KeyHash,
				hex.EncodeToString(rec.Key), hex.EncodeToString(rec.Val))
		}
		return nil
	})
}

func (q *quadb) cmdPatch() error {
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		var records []quadrable.DiffRecord
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			fields := strings.Split(line, "\t")
			if len(fields) != 4 {
				return fmt.Errorf("malformed patch line %q", line)
			}
			keyHashBytes, err := hex.DecodeString(fields[1])
			if err != nil {
				return err
			}
			keyHash, err := quadrable.KeyFromBytes(keyHashBytes)
			if err != nil {
				return err
			}
			key, err := hex.DecodeString(fields[2])
			if err != nil {
				return err
			}
			val, err := hex.DecodeString(fields[3])
			if err != nil {
				return err
			}
			records = append(records, quadrable.DiffRecord{
				KeyHash:  keyHash,
				Key:      key,
				Val:      val,
				Deletion: fields[0] == "del",
			})
		}
		if err := scanner.Err(); err != nil {
			return err
		}
		return q.db.Patch(t, records)
	})
}

func (q *quadb) cmdHead(args []string) error {
	if len(args) == 2 && args[0] == "rm" {
		return q.withWriteTxn(func(t *quadrable.Txn) error {
			return q.db.RemoveHead(t, args[1])
		})
	}
	return q.withReadTxn(func(t *quadrable.Txn) error {
		heads, err := q.db.Heads(t)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(heads))
		for name := range heads {
			names = append(names, name)
		}
		sort.Strings(names)
		current, _ := q.db.Head()
		for _, name := range names {
			root, err := q.db.RootOf(t, heads[name])
			if err != nil {
				return err
			}
			marker := " "
			if name == current {
				marker = "*"
			}
			fmt.Printf("%s %s %s\n", marker, name, root)
		}
		return nil
	})
}

func (q *quadb) cmdCheckout(args []string) error {
	head := quadrable.DefaultHeadName
	if len(args) == 1 {
		head = args[0]
	}
	q.db.Checkout(head)
	return q.kv.Put([]byte(currentHeadKey), []byte(head))
}

func (q *quadb) cmdFork(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: fork <head> [--from=<head>]")
	}
	newHead := args[0]
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		if q.from != "" {
			q.db.Checkout(q.from)
		}
		if err := q.db.ForkTo(t, newHead); err != nil {
			return err
		}
		return q.kv.Put([]byte(currentHeadKey), []byte(newHead))
	})
}

func (q *quadb) cmdGC() error {
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		stats, err := q.db.GC(t)
		if err != nil {
			return err
		}
		fmt.Printf("collected %d/%d nodes\n", stats.Collected, stats.Total)
		return nil
	})
}

func (q *quadb) proofEncoding() (quadrable.ProofEncodingType, error) {
	switch q.format {
	case "noKeys":
		return quadrable.ProofEncodingHashedKeys, nil
	case "withKeys":
		return quadrable.ProofEncodingFullKeys, nil
	default:
		return 0, fmt.Errorf("unknown proof format %q", q.format)
	}
}

func (q *quadb) cmdExportProof(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: exportProof <key>...")
	}
	encodingType, err := q.proofEncoding()
	if err != nil {
		return err
	}
	return q.withReadTxn(func(t *quadrable.Txn) error {
		keys := make([][]byte, 0, len(args))
		for _, arg := range args {
			keys = append(keys, []byte(arg))
		}
		proof, err := q.db.ExportProof(t, keys)
		if err != nil {
			return err
		}

		if q.dump {
			dumpProof(proof)
			return nil
		}

		encoded, err := quadrable.EncodeProof(proof, encodingType)
		if err != nil {
			return err
		}
		return q.writeBytes(encoded)
	})
}

func dumpProof(proof *quadrable.Proof) {
	for i, strand := range proof.Strands {
		fmt.Printf("strand %d: type=%d depth=%d keyHash=%s", i, strand.StrandType, strand.Depth, strand.KeyHash)
		if len(strand.Key) != 0 {
			fmt.Printf(" key=%q", strand.Key)
		}
		if len(strand.Val) != 0 {
			fmt.Printf(" val=%s", hex.EncodeToString(strand.Val))
		}
		fmt.Println()
	}
	for i, cmd := range proof.Cmds {
		fmt.Printf("cmd %d: op=%d offset=%d", i, cmd.Op, cmd.NodeOffset)
		if cmd.Op == quadrable.ProofCmdHashProvided {
			fmt.Printf(" hash=%s", cmd.Hash)
		}
		fmt.Println()
	}
}

func (q *quadb) cmdImportProof() error {
	encoded, err := q.readBytes()
	if err != nil {
		return err
	}
	proof, err := quadrable.DecodeProof(encoded)
	if err != nil {
		return err
	}

	expectedRoot := maybe.Nothing[quadrable.Key]()
	if q.root != "" {
		rootBytes, err := hex.DecodeString(strings.TrimPrefix(q.root, "0x"))
		if err != nil {
			return err
		}
		root, err := quadrable.KeyFromBytes(rootBytes)
		if err != nil {
			return err
		}
		expectedRoot = maybe.Some(root)
	}

	return q.withWriteTxn(func(t *quadrable.Txn) error {
		root, err := q.db.ImportProof(t, proof, expectedRoot)
		if err != nil {
			return err
		}
		fmt.Println(root.String())
		return nil
	})
}

func (q *quadb) cmdMergeProof() error {
	encoded, err := q.readBytes()
	if err != nil {
		return err
	}
	proof, err := quadrable.DecodeProof(encoded)
	if err != nil {
		return err
	}
	return q.withWriteTxn(func(t *quadrable.Txn) error {
		return q.db.MergeProof(t, proof)
	})
}

func (q *quadb) cmdMineHash(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: mineHash <prefix>")
	}
	prefix := args[0]

	for {
		r := rand.Int63n(1_000_000_000_000) + 1
		candidate := strconv.FormatInt(r, 10)
		h := quadrable.HashKey([]byte(candidate))

		matched := 0
		for i := 0; i < len(prefix); i++ {
			bit := h.Bit(i)
			if (!bit && prefix[i] == '0') || (bit && prefix[i] == '1') {
				matched++
			} else {
				break
			}
		}

		if matched == len(prefix) {
			fmt.Printf("%s -> %s\n", candidate, h)
			return nil
		}
	}
}

func (q *quadb) writeBytes(b []byte) error {
	if q.useHex {
		fmt.Println(hex.EncodeToString(b))
		return nil
	}
	_, err := os.Stdout.Write(b)
	return err
}

func (q *quadb) readBytes() ([]byte, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	if q.useHex {
		return hex.DecodeString(strings.TrimSpace(strings.TrimPrefix(string(raw), "0x")))
	}
	return raw, nil
}

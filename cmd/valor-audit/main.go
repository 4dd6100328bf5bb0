// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// valor-audit verifies the audit chain offline.
//
// It reads the configured audit backend, recomputes every record's HMAC,
// checks sequence and hash linkage, and cross-checks the witness file.
// Exit code 0 means the chain is intact; 1 means verification failed or
// could not run.
//
// Usage:
//
//	valor-audit -config valor.toml [-json]
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/valorassist/valor-core/internal/audit"
	"github.com/valorassist/valor-core/internal/config"
	"github.com/valorassist/valor-core/internal/secrets"
)

const auditKeyID = "audit-chain"

type report struct {
	Records   int    `json:"records"`
	ChainOK   bool   `json:"chain_ok"`
	WitnessOK bool   `json:"witness_ok"`
	HeadSeq   int    `json:"head_seq,omitempty"`
	HeadHash  string `json:"head_hash,omitempty"`
	Error     string `json:"error,omitempty"`
}

func main() {
	configPath := flag.String("config", "valor.toml", "path to config file")
	asJSON := flag.Bool("json", false, "output the report as JSON")
	flag.Parse()

	rep, err := verify(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *asJSON {
		out, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(out))
	} else {
		printReport(rep)
	}

	if !rep.ChainOK || !rep.WitnessOK {
		os.Exit(1)
	}
}

func verify(configPath string) (report, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return report{}, err
	}

	key, err := secrets.NewEnvProvider(cfg.Audit.Dir).Key(auditKeyID)
	if err != nil {
		return report{}, err
	}
	defer secrets.ZeroBytes(key)

	sink, err := openSink(cfg)
	if err != nil {
		return report{}, err
	}
	defer sink.Close()

	records, err := sink.ReadAll()
	if err != nil {
		return report{}, fmt.Errorf("failed to read audit chain: %w", err)
	}

	rep := report{Records: len(records), ChainOK: true, WitnessOK: true}
	if n := len(records); n > 0 {
		rep.HeadSeq = records[n-1].Seq
		rep.HeadHash = records[n-1].Hash
	}

	if err := audit.VerifyChain(records, key); err != nil {
		rep.ChainOK = false
		rep.Error = err.Error()
		return rep, nil
	}

	witness := audit.NewWitness(filepath.Join(cfg.Audit.Dir, "witness.log"))
	if err := witness.Verify(records); err != nil {
		rep.WitnessOK = false
		rep.Error = err.Error()
	}
	return rep, nil
}

func openSink(cfg *config.Config) (audit.Sink, error) {
	switch cfg.Audit.Backend {
	case "sqlite":
		return audit.NewSQLiteSink(filepath.Join(cfg.Audit.Dir, "audit.db"))
	default:
		return audit.NewFileSink(filepath.Join(cfg.Audit.Dir, "audit.jsonl"))
	}
}

func printReport(rep report) {
	status := func(ok bool) string {
		if ok {
			return "OK"
		}
		return "FAILED"
	}

	fmt.Printf("Audit Chain Verification\n")
	fmt.Printf("  Records:  %d\n", rep.Records)
	fmt.Printf("  Chain:    %s\n", status(rep.ChainOK))
	fmt.Printf("  Witness:  %s\n", status(rep.WitnessOK))
	if rep.Records > 0 && rep.ChainOK {
		fmt.Printf("  Head:     seq=%d hash=%s\n", rep.HeadSeq, rep.HeadHash)
	}
	if rep.Error != "" {
		fmt.Printf("  Detail:   %s\n", rep.Error)
	}
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AdityaKumar41/evolvx-sub003/pkg/leafhash"
	"github.com/AdityaKumar41/evolvx-sub003/pkg/proofbundle"
)

const usage = "usage: evxctl proof verify --bundle <path> [--root <digest>] | evxctl proof make --leaves <path> --index <n> --project-id <id> --milestone-id <id> --out <path>"

func main() {
	if len(os.Args) < 2 {
		failSummary("", "", "", usage)
		os.Exit(2)
	}
	switch os.Args[1] {
	case "proof":
		runProof(os.Args[2:])
	default:
		failSummary("", "", "", "unknown command")
		os.Exit(2)
	}
}

func runProof(args []string) {
	if len(args) < 1 {
		failSummary("", "", "", usage)
		os.Exit(2)
	}
	switch args[0] {
	case "verify":
		runProofVerify(args[1:])
	case "make":
		runProofMake(args[1:])
	default:
		failSummary("", "", "", usage)
		os.Exit(2)
	}
}

func runProofVerify(args []string) {
	fs := flag.NewFlagSet("proof verify", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	bundlePath := fs.String("bundle", "", "path to payout proof bundle json")
	expectRoot := fs.String("root", "", "expected committed root digest (optional)")
	if err := fs.Parse(args); err != nil {
		failSummary("", "", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*bundlePath) == "" {
		failSummary("", "", "", "--bundle is required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*bundlePath)
	if err != nil {
		failSummary("", "", "", "read bundle failed: "+err.Error())
		os.Exit(1)
	}

	var bundle proofbundle.Bundle
	_ = json.Unmarshal(raw, &bundle)

	if r := strings.TrimSpace(*expectRoot); r != "" && r != bundle.Root {
		failSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root, "bundle root does not match --root")
		os.Exit(1)
	}

	result, err := proofbundle.VerifyJSON(raw)
	if err != nil {
		failSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root, err.Error())
		os.Exit(1)
	}
	if result.Status != proofbundle.StatusVerified {
		failSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root, result.Status)
		os.Exit(1)
	}
	passSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root)
}

func runProofMake(args []string) {
	fs := flag.NewFlagSet("proof make", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	leavesPath := fs.String("leaves", "", "path to json array of {sub_entity_id, amount} in committed order")
	index := fs.Int("index", -1, "index of the leaf to prove")
	projectID := fs.String("project-id", "", "project id")
	milestoneID := fs.String("milestone-id", "", "milestone id")
	outPath := fs.String("out", "", "path to write the bundle json")
	if err := fs.Parse(args); err != nil {
		failMakeSummary("", "", "", "", err.Error())
		os.Exit(2)
	}
	if strings.TrimSpace(*leavesPath) == "" || strings.TrimSpace(*outPath) == "" {
		failMakeSummary("", "", "", strings.TrimSpace(*outPath), "both --leaves and --out are required")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*leavesPath)
	if err != nil {
		failMakeSummary("", "", "", strings.TrimSpace(*outPath), "read leaves failed: "+err.Error())
		os.Exit(1)
	}
	var leaves []leafhash.Leaf
	if err := json.Unmarshal(raw, &leaves); err != nil {
		failMakeSummary("", "", "", strings.TrimSpace(*outPath), "parse leaves failed: "+err.Error())
		os.Exit(1)
	}

	bundle, err := proofbundle.Make(
		strings.TrimSpace(*projectID),
		strings.TrimSpace(*milestoneID),
		leaves,
		*index,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		failMakeSummary(strings.TrimSpace(*projectID), strings.TrimSpace(*milestoneID), "", strings.TrimSpace(*outPath), err.Error())
		os.Exit(1)
	}

	bundleBytes, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		failMakeSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root, strings.TrimSpace(*outPath), err.Error())
		os.Exit(1)
	}
	bundleBytes = append(bundleBytes, '\n')

	if err := os.WriteFile(*outPath, bundleBytes, 0o644); err != nil {
		failMakeSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root, strings.TrimSpace(*outPath), "write bundle failed: "+err.Error())
		os.Exit(1)
	}

	passMakeSummary(bundle.ProjectID, bundle.MilestoneID, bundle.Root, strings.TrimSpace(*outPath))
}

func passSummary(projectID, milestoneID, root string) {
	fmt.Printf("{\"bundle_version\":%s,\"status\":\"PASS\",\"project_id\":%s,\"milestone_id\":%s,\"root\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofbundle.BundleVersion),
		jsonQuote(projectID),
		jsonQuote(milestoneID),
		jsonQuote(root),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func failSummary(projectID, milestoneID, root, reason string) {
	fmt.Printf("{\"bundle_version\":%s,\"status\":\"FAIL\",\"project_id\":%s,\"milestone_id\":%s,\"root\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofbundle.BundleVersion),
		jsonQuote(projectID),
		jsonQuote(milestoneID),
		jsonQuote(root),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339),
	)
}

func passMakeSummary(projectID, milestoneID, root, bundlePath string) {
	fmt.Printf("{\"bundle_version\":%s,\"status\":\"PASS\",\"project_id\":%s,\"milestone_id\":%s,\"root\":%s,\"bundle_path\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofbundle.BundleVersion),
		jsonQuote(projectID),
		jsonQuote(milestoneID),
		jsonQuote(root),
		jsonQuote(bundlePath),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
}

func failMakeSummary(projectID, milestoneID, root, bundlePath, reason string) {
	fmt.Printf("{\"bundle_version\":%s,\"status\":\"FAIL\",\"project_id\":%s,\"milestone_id\":%s,\"root\":%s,\"bundle_path\":%s,\"reason\":%s,\"timestamp_utc\":\"%s\"}\n",
		jsonQuote(proofbundle.BundleVersion),
		jsonQuote(projectID),
		jsonQuote(milestoneID),
		jsonQuote(root),
		jsonQuote(bundlePath),
		jsonQuote(reason),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
}

func jsonQuote(v string) string {
	b, _ := json.Marshal(v)
	return string(b)
}

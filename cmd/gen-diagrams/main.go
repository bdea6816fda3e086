// gen-diagrams generates sample diagram outputs for README documentation.
// Run: go run ./cmd/gen-diagrams
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rendis/lockflow/internal/diagram"
	"github.com/rendis/lockflow/internal/store"
	"github.com/rendis/lockflow/pkg/schema"
)

func main() {
	// Sample walk: intake → context → quoting → compliance self-write → lock.
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	rec := &store.RateLockRecord{
		ID:                "3f1c9a2e-sample",
		LoanApplicationID: "APP-1001",
		Status:            schema.LockStatusLocked,
		Version:           5,
		CreatedAt:         start,
		Audit: []store.AuditEntry{
			{Action: "created", ToState: schema.LockStatusPendingRequest, Timestamp: start},
			{Action: "context_validated", FromState: schema.LockStatusPendingRequest, ToState: schema.LockStatusUnderReview, Timestamp: start.Add(2 * time.Second)},
			{Action: "rates_presented", FromState: schema.LockStatusUnderReview, ToState: schema.LockStatusRateOptionsPresented, Timestamp: start.Add(5 * time.Second)},
			{Action: "compliance_passed", FromState: schema.LockStatusRateOptionsPresented, ToState: schema.LockStatusRateOptionsPresented, Timestamp: start.Add(7 * time.Second)},
			{Action: "lock_confirmed", FromState: schema.LockStatusRateOptionsPresented, ToState: schema.LockStatusLocked, Timestamp: start.Add(9 * time.Second)},
		},
	}

	model, err := diagram.Build(rec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build error: %v\n", err)
		os.Exit(1)
	}

	outDir := filepath.Join("docs", "assets")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "mkdir error: %v\n", err)
		os.Exit(1)
	}

	// ASCII (mermaid-ascii with hand-rolled fallback)
	home, _ := os.UserHomeDir()
	binDir := filepath.Join(home, ".lockflow", "bin")
	ascii := diagram.RenderASCIIAuto(model, binDir)
	writeFile(filepath.Join(outDir, "lifecycle-ascii.txt"), []byte(ascii))
	fmt.Println("=== ASCII ===")
	fmt.Println(ascii)

	// Mermaid
	mermaid := diagram.RenderMermaid(model)
	writeFile(filepath.Join(outDir, "lifecycle-mermaid.md"), []byte("```mermaid\n"+mermaid+"\n```\n"))
	fmt.Println("=== Mermaid ===")
	fmt.Println(mermaid)

	// Image (PNG)
	png, imgErr := diagram.RenderImage(context.Background(), model)
	if imgErr != nil {
		fmt.Fprintf(os.Stderr, "image error: %v\n", imgErr)
		return
	}
	pngPath := filepath.Join(outDir, "lifecycle-sample.png")
	writeFile(pngPath, png)
	fmt.Printf("=== Image (PNG) ===\nWritten: %s (%d bytes)\n", pngPath, len(png))
}

func writeFile(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
	}
}

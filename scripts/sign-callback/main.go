// Command sign-callback prints the headers the automation engine would send
// with a callback or progress body, for exercising those routes by hand.
//
// Usage:
//
//	CALLBACK_SIGNING_SECRET=... go run ./scripts/sign-callback -run <runId> -body callback.json
//
// Pipe the output into curl:
//
//	curl -X POST $BASE/demos/<runId>/callback -H "Content-Type: application/json" \
//	    $(go run ./scripts/sign-callback -run <runId> -body callback.json -curl) \
//	    --data-binary @callback.json
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/symbolicai/demoflow/internal/integrity"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_ = godotenv.Load()

	runID := flag.String("run", "", "run id the body is for")
	bodyPath := flag.String("body", "", "file holding the exact request body")
	curl := flag.Bool("curl", false, "print as curl -H arguments")
	flag.Parse()

	if *runID == "" || *bodyPath == "" {
		return fmt.Errorf("-run and -body are required")
	}
	body, err := os.ReadFile(*bodyPath)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	signer, err := integrity.NewSigner(os.Getenv("CALLBACK_SIGNING_SECRET"), 0)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := signer.SignRun(*runID, ts, body)

	if *curl {
		fmt.Printf("-H %s:%s -H %s:%s\n", integrity.SignatureHeader, sig, integrity.TimestampHeader, ts)
		return nil
	}
	fmt.Printf("%s: %s\n%s: %s\n", integrity.SignatureHeader, sig, integrity.TimestampHeader, ts)
	return nil
}

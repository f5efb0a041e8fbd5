// Package qerrors is an intelligent error-analysis middleware: it captures
// application errors, logs them as structured JSON lines, and asynchronously
// asks an OpenAI-compatible LLM for remediation advice, memoised by error
// fingerprint.
//
// The hot path is synchronous and in-memory only: build a sanitised record,
// enqueue one log line, enqueue one analysis, return. Everything slow (file
// I/O, the upstream call) happens on background goroutines behind bounded
// queues, a token bucket, a circuit breaker and per-fingerprint suppression,
// so a misbehaving dependency degrades advice quality instead of the host
// application.
//
// Typical HTTP usage:
//
//	engine, err := qerrors.New(
//		qerrors.WithConfig(qerrors.WithModel("openai", "gpt-4o-mini", apiKey)),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Shutdown(context.Background())
//
//	http.Handle("/", engine.Middleware(mux))
//
// Inside a handler:
//
//	if err := doWork(r); err != nil {
//		engine.HandleHTTP(err, w, r)
//		return
//	}
//
// Non-HTTP callers use Handle, or AnalyzeAsync when they want the advice:
//
//	ch := engine.AnalyzeAsync(err, map[string]interface{}{"job": jobID})
//	if advice, ok := <-ch; ok {
//		log.Printf("diagnosis: %s", advice.Diagnosis)
//	}
//
// A process-wide engine is available through Init and the module-level
// wrappers; all of them are safe no-ops before Init so instrumented code
// never has to care whether qerrors is configured.
package qerrors

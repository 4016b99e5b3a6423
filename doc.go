// Package bulkmail compiles a message template against a sequence of records and
// delivers each result through an ordered list of outbound endpoints.
//
// Endpoints are tried in priority order. A transient failure (connection refused,
// timeout, temporary rejection) moves the job to the next usable endpoint and counts
// against the failed one; after MaxFailures consecutive failures the endpoint is
// suspended for RetryDelay. A permanent rejection fails the job at once.
//
// # Basic Usage
//
//	client, err := bulkmail.New(bulkmail.DefaultConfig(),
//		bulkmail.WithSMTPEndpoint("primary", "smtp.example.com", 25),
//		bulkmail.WithSMTPEndpoint("backup", "smtp2.example.com", 25),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	tmpl := &bulkmail.Template{
//		From:     "Billing <billing@example.com>",
//		To:       "{{.Name}} <{{.Email}}>",
//		Subject:  "Invoice {{.Number}}",
//		TextBody: "Hello {{.Name}}, your invoice is attached.",
//		Attachments: []bulkmail.AttachmentTemplate{
//			{Path: "invoices/{{.Number}}.pdf"},
//		},
//	}
//
//	report, err := client.SendBatch(ctx, tmpl, bulkmail.Records(records...))
//
// # Execution Modes
//
// Send and SendBatch run on the calling goroutine. SendAsync, SendBatchAsync and
// SendRecordsAsync run on a pool of at most Dispatch.MaxConcurrentSenders workers,
// each owning at most one open connection. Both modes produce the same per-job outcomes.
//
// # Events
//
// Observers registered on Client.Events receive batch, connection and per-job
// lifecycle events. Calls never overlap, so observers need no locking of their own.
package bulkmail

// Package medguard enforces the consultation workflow and tiered access to
// protected health information.
//
// A Guard ties together:
//
//   - workflow: the consultation state machine and its transition table
//   - access: privilege-scoped data stores (readonly, patient_update,
//     migration, emergency) with per-level concurrency budgets and verb
//     policies
//   - escalation: time-boxed emergency access, auto-approved for
//     life-threatening reasons and pending review otherwise
//   - audit: an append-only, hash-chained record of every access decision
//   - cipher: AES-256-GCM field encryption and keyed hashing under a master
//     secret
//
// # Quick Start
//
//	cfg, err := medguard.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	guard, err := medguard.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer guard.Close()
//
//	_, err = guard.TransitionConsultation(ctx, medguard.TransitionRequest{
//	    ConsultationID: "c-42",
//	    UserID:         "dr-smith",
//	    From:           workflow.Triaged,
//	    To:             workflow.Assigned,
//	    Context:        workflow.Context{"providerId": "dr-smith"},
//	}, func(ctx context.Context, store access.Store) error {
//	    _, err := store.Do(ctx, access.Operation{
//	        Name:  "update_consultation_state",
//	        Query: "UPDATE consultations SET state = $1 WHERE id = $2",
//	        Args:  []any{"assigned", "c-42"},
//	    })
//	    return err
//	})
//
// Every call to the access manager appends exactly one audit entry before a
// store is returned, whether access was granted or denied.
//
// # Emergency Access
//
//	id, err := guard.RequestEmergencyAccess(ctx, "chest pain, unresponsive", "dr-smith", patientID)
//	store, err := guard.Access().GetStore(ctx, access.Emergency, access.AccessContext{
//	    UserID:       "dr-smith",
//	    EscalationID: id,
//	})
//
// Reasons matching a configured category are approved for 15 minutes.
// Anything else is held for 30 minutes pending ApproveEmergencyAccess by a
// different user.
//
// # Configuration
//
// See Config for every field and constants.go for the MEDGUARD_*
// environment variables. The master secret has no fallback: New fails when
// it is missing or shorter than 32 bytes. MEDGUARD_SECRET_SOURCE selects
// where it is read from: the environment (default), Vault KV v2, AWS Secrets
// Manager, or a KMS ciphertext.
package medguard

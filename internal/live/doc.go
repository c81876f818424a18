// Package live fans out committed store changes to standing subscriptions.
//
// # Overview
//
// A subscription pairs a filter over change records with a frozen
// AuthSnapshot: the subscriber's identity and per-room permission tier,
// captured once when the subscription is created. Every committed change is
// re-evaluated against that snapshot — not against the writer's identity
// and not against the live permission state. A subscriber demoted after
// subscribing keeps its captured tier until it resubscribes; this
// point-in-time capture is deliberate and part of the contract.
//
// # Tiers
//
// Numeric protocol power levels map onto three ordered capability tiers:
// read-only (default), contributor (level >= 50) and administrator
// (level >= 100). The mapping is computed once per snapshot.
//
// # Delivery
//
// Within one subscription, notifications arrive in the order the
// underlying writes were committed. Publishing never blocks: a subscriber
// whose channel is full has the change dropped and its drop counter
// incremented.
package live

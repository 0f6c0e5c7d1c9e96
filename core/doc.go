// Package core contains the rule matching and action dispatch engine: the
// canonical event and rule types, the matcher, the dispatcher retry loop, the
// outcome recorder and the in-memory ledger and stores. Storage, transport and
// queue adapters depend on this package; core does not depend on them.
package core

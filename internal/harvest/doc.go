// Package harvest defines the vocabulary shared by the harvesting engine:
// items, identities, records, the classified failure type, and the narrow
// interfaces through which the engine consumes page-interaction and seed
// discovery collaborators.
package harvest

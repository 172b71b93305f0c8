// Package remote talks to the authoritative sync server.
//
// Source is the contract the sync coordinator depends on: Pull fetches
// changes newer than a version, Push uploads local changes. HTTPSource
// implements it over the HTTP wire contract:
//
//	GET  {base}/{pullPath}?lastPulledVersion=N  -> {"changes": {...}, "latestVersion": M}
//	POST {base}/{pushPath}  {"changes": {...}}  -> 2xx
//
// Server is an in-memory authoritative implementation of the same contract,
// used by the serve command, HTTP tests and scenario runs.
package remote

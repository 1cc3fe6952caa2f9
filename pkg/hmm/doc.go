/*
Package hmm implements discrete Hidden Markov Models and Viterbi decoding.

A Model holds the transition, emission and initial distributions of an HMM
together with the length of the observation sequences it decodes. Models are
parsed from a whitespace-delimited parameter file by Load, validated against
their stochastic invariants, and decoded with Decode, which returns a Result
holding the full trellis (delta and psi) alongside the most likely hidden-state
path and its probability.

Probabilities are multiplied directly across time steps. Long sequences will
underflow towards zero; this is a known limitation rather than an error.

Models can be persisted in SQLite through a Store, and decode results can be
rendered as a textual trace with a Renderer or as a trellis chart with WritePlot.
*/
package hmm

// Package cape implements the settlement core of a shielded ledger that wraps ERC-20 tokens.
//
// Overview:
//   - Sponsored asset types bind an asset code to an external token and a privacy policy
//   - Deposits lock external tokens in the escrow vault; Mint transactions turn them into records
//   - Transfer transactions spend nullifiers and append new record commitments
//   - Burn transactions spend a nullifier and release escrowed tokens to a recipient
//   - Blocks are validated against one anchor root and committed or rejected as a whole
//
// State Model:
//   - Record commitments live in an append-only MiMC Merkle tree (BN254 scalar field)
//   - Nullifiers live in a monotonic spent set
//   - Escrow balances only change when a block commits
//   - All committed state is persisted in LevelDB with one atomic batch per block
//
// Usage:
//   - Open a Store, then call Open with a ProofVerifier and a TokenLedger
//   - Use Sponsor, Deposit and SubmitBlock to drive the ledger
//   - Use SubscribeEvents to follow committed blocks
//
// Proof generation and verification live in internal/transactions; this package only
// calls the ProofVerifier it is given.
package cape

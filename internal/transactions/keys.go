// Package transactions compiles the mint, transfer and burn circuits, manages their
// Groth16 keys and exposes a Verifier for the ledger.
package transactions

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/rs/zerolog"

	"capeledger/internal/transactions/burn"
	"capeledger/internal/transactions/mint"
	"capeledger/internal/transactions/transfer"
	"capeledger/internal/transactions/zk"
)

// DefaultShapes are the transfer shapes set up when none are configured.
var DefaultShapes = []transfer.Shape{{Inputs: 1, Outputs: 2}, {Inputs: 2, Outputs: 2}}

// Circuit is a compiled circuit with its keys.
type Circuit struct {
	CCS constraint.ConstraintSystem
	PK  groth16.ProvingKey
	VK  groth16.VerifyingKey
}

// KeySet holds every circuit for one tree depth.
type KeySet struct {
	Depth     int
	Mint      Circuit
	Burn      Circuit
	Transfers map[transfer.Shape]Circuit
}

// Setup compiles the circuits for depth and shapes. With a keyDir, keys are loaded from
// it or generated and saved there; without one they are generated in memory.
func Setup(depth int, shapes []transfer.Shape, keyDir string, log zerolog.Logger) (*KeySet, error) {
	if len(shapes) == 0 {
		shapes = DefaultShapes
	}
	if keyDir != "" {
		if err := os.MkdirAll(keyDir, 0o755); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	ks := &KeySet{Depth: depth, Transfers: make(map[transfer.Shape]Circuit, len(shapes))}

	var err error
	if ks.Mint, err = setupCircuit("mint", mint.NewCircuit(), keyDir, log); err != nil {
		return nil, err
	}
	if ks.Burn, err = setupCircuit(fmt.Sprintf("burn_d%d", depth), burn.NewCircuit(depth), keyDir, log); err != nil {
		return nil, err
	}
	for _, shape := range shapes {
		if shape.Inputs < 1 || shape.Outputs < 1 {
			return nil, fmt.Errorf("invalid transfer shape %s", shape)
		}
		name := fmt.Sprintf("transfer_%s_d%d", shape, depth)
		c, err := setupCircuit(name, transfer.NewCircuit(shape, depth), keyDir, log)
		if err != nil {
			return nil, err
		}
		ks.Transfers[shape] = c
	}
	return ks, nil
}

func setupCircuit(name string, circuit frontend.Circuit, keyDir string, log zerolog.Logger) (Circuit, error) {
	start := time.Now()
	ccs, err := zk.Compile(circuit)
	if err != nil {
		return Circuit{}, fmt.Errorf("compile %s circuit: %w", name, err)
	}
	var (
		pk groth16.ProvingKey
		vk groth16.VerifyingKey
	)
	if keyDir == "" {
		pk, vk, err = groth16.Setup(ccs)
	} else {
		pk, vk, err = zk.SetupOrLoadKeys(ccs,
			filepath.Join(keyDir, name+".pk"),
			filepath.Join(keyDir, name+".vk"))
	}
	if err != nil {
		return Circuit{}, fmt.Errorf("setup %s keys: %w", name, err)
	}
	log.Info().
		Str("circuit", name).
		Int("constraints", ccs.GetNbConstraints()).
		Dur("elapsed", time.Since(start)).
		Msg("circuit ready")
	return Circuit{CCS: ccs, PK: pk, VK: vk}, nil
}

// Shapes lists the transfer shapes this key set can prove and verify.
func (ks *KeySet) Shapes() []transfer.Shape {
	out := make([]transfer.Shape, 0, len(ks.Transfers))
	for s := range ks.Transfers {
		out = append(out, s)
	}
	return out
}

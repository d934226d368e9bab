// main.go - End-to-end CAPE scenario with real Groth16 proofs.
//
// This walks a shielded asset through its whole life on a single ledger:
//   - USDC is sponsored as a CAPE asset type
//   - three users deposit USDC into the vault and wrap it in one block of mints
//   - alice pays bob privately (1 input, 2 outputs)
//   - bob merges his two records (2 inputs, 2 outputs)
//   - bob unwraps part of his balance back to USDC
//
// Usage:
//
//	go run main.go
//
// Keys are generated under keys/ on the first run and reused afterwards. The final
// ledger state is written to ledger_snapshot.json.
package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"capeledger/internal/cape"
	"capeledger/internal/erc20"
	"capeledger/internal/logging"
	"capeledger/internal/transactions"
	"capeledger/internal/transactions/transfer"
)

const (
	demoDepth    = 8
	keyDir       = "keys"
	snapshotPath = "ledger_snapshot.json"
)

var (
	usdcToken = common.HexToAddress("0x00000000000000000000000000000000000A0C00")
	vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000CAFE")
)

// user is a demo participant with an Ethereum account and a shielded spending key.
type user struct {
	Name    string
	Address common.Address
	Sk      []byte
	records []ownedRecord
}

type ownedRecord struct {
	rec cape.RecordOpening
	uid uint64
}

func newUser(name string, addr string) *user {
	return &user{Name: name, Address: common.HexToAddress(addr), Sk: cape.NewSpendingKey()}
}

func (u *user) input(l *cape.Ledger, i int) (transfer.Input, error) {
	path, _, err := l.Path(u.records[i].uid)
	if err != nil {
		return transfer.Input{}, err
	}
	return transfer.Input{Record: u.records[i].rec, OwnerSk: u.Sk, Path: path}, nil
}

type demo struct {
	ctx    context.Context
	log    *logging.Logger
	ledger *cape.Ledger
	tokens *erc20.Ledger
	prover *transactions.Prover
}

func (d *demo) submit(label string, txs ...cape.Transaction) (*cape.BlockResult, error) {
	res, err := d.ledger.SubmitBlock(d.ctx, &cape.Block{Anchor: d.ledger.Root(), Transactions: txs})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	d.log.Info("[%s] block %d committed: root=%s records=%d", label, res.Height, res.Root.Hex(), d.ledger.NumRecords())
	return res, nil
}

// runDemo plays the scenario and returns the final ledger snapshot.
func runDemo(log *logging.Logger, depth int, keys string, snapshot string) (*cape.Snapshot, error) {
	d := &demo{ctx: context.Background(), log: log, tokens: erc20.New()}

	log.Info("=== CAPE: wrap, transfer, unwrap (tree depth %d) ===", depth)
	keySet, err := transactions.Setup(depth, transactions.DefaultShapes, keys, log.Zerolog())
	if err != nil {
		return nil, err
	}
	d.prover = transactions.NewProver(keySet)

	d.ledger, err = cape.Open(nil, transactions.NewVerifier(keySet), d.tokens,
		cape.WithTreeDepth(depth),
		cape.WithVaultAddress(vaultAddr),
		cape.WithLogger(log.Zerolog()))
	if err != nil {
		return nil, err
	}
	defer d.ledger.Close()

	// 1. Sponsor
	if _, err := d.ledger.Sponsor(d.ctx, "USDC", usdcToken, []byte("demo viewing policy")); err != nil {
		return nil, err
	}

	// 2. Deposit and wrap
	alice := newUser("alice", "0x0000000000000000000000000000000000000A11")
	bob := newUser("bob", "0x0000000000000000000000000000000000000B0B")
	carol := newUser("carol", "0x0000000000000000000000000000000000000CA7")
	users := []*user{alice, bob, carol}
	amounts := []uint64{100, 50, 75}

	var mints []cape.Transaction
	for i, u := range users {
		amt := uint256.NewInt(amounts[i])
		if err := d.tokens.Mint(usdcToken, u.Address, amt); err != nil {
			return nil, err
		}
		if err := d.tokens.Approve(usdcToken, u.Address, vaultAddr, amt); err != nil {
			return nil, err
		}
		rec := cape.NewRecord("USDC", amt, u.Sk)
		deposit, err := d.ledger.Deposit(d.ctx, "USDC", amt, u.Address, rec.Commitment())
		if err != nil {
			return nil, err
		}
		tx, err := d.prover.Mint(deposit, rec)
		if err != nil {
			return nil, fmt.Errorf("prove mint for %s: %w", u.Name, err)
		}
		mints = append(mints, cape.NewMintTransaction(tx))
		u.records = append(u.records, ownedRecord{rec: rec})
	}
	res, err := d.submit("wrap", mints...)
	if err != nil {
		return nil, err
	}
	for i, u := range users {
		u.records[0].uid = res.UIDs[i]
	}

	// 3. alice pays bob 60
	in, err := alice.input(d.ledger, 0)
	if err != nil {
		return nil, err
	}
	toBob := cape.NewRecord("USDC", uint256.NewInt(60), bob.Sk)
	change := cape.NewRecord("USDC", uint256.NewInt(40), alice.Sk)
	tx, err := d.prover.Transfer(d.ledger.Root(), []transfer.Input{in}, []cape.RecordOpening{toBob, change})
	if err != nil {
		return nil, fmt.Errorf("prove payment: %w", err)
	}
	if res, err = d.submit("pay", cape.NewTransferTransaction(tx)); err != nil {
		return nil, err
	}
	alice.records = []ownedRecord{{rec: change, uid: res.UIDs[1]}}
	bob.records = append(bob.records, ownedRecord{rec: toBob, uid: res.UIDs[0]})

	// 4. bob merges 50 + 60 into 100 + 10
	in0, err := bob.input(d.ledger, 0)
	if err != nil {
		return nil, err
	}
	in1, err := bob.input(d.ledger, 1)
	if err != nil {
		return nil, err
	}
	big := cape.NewRecord("USDC", uint256.NewInt(100), bob.Sk)
	small := cape.NewRecord("USDC", uint256.NewInt(10), bob.Sk)
	if tx, err = d.prover.Transfer(d.ledger.Root(), []transfer.Input{in0, in1}, []cape.RecordOpening{big, small}); err != nil {
		return nil, fmt.Errorf("prove merge: %w", err)
	}
	if res, err = d.submit("merge", cape.NewTransferTransaction(tx)); err != nil {
		return nil, err
	}
	bob.records = []ownedRecord{{rec: big, uid: res.UIDs[0]}, {rec: small, uid: res.UIDs[1]}}

	// A replayed transfer is refused by the spent set.
	if _, err := d.submit("replay", cape.NewTransferTransaction(tx)); err != nil {
		log.Info("[replay] rejected as expected (%s)", cape.ReasonCode(err))
	} else {
		return nil, fmt.Errorf("replayed transfer was accepted")
	}

	// 5. bob unwraps 100
	path, _, err := d.ledger.Path(bob.records[0].uid)
	if err != nil {
		return nil, err
	}
	burn, err := d.prover.Burn(d.ledger.Root(), big, bob.Sk, path, bob.Address)
	if err != nil {
		return nil, fmt.Errorf("prove unwrap: %w", err)
	}
	if _, err = d.submit("unwrap", cape.NewBurnTransaction(burn)); err != nil {
		return nil, err
	}

	fmt.Printf("\n=== Final state ===\n")
	fmt.Printf("Height:           %d\n", d.ledger.Height())
	fmt.Printf("Root:             %s\n", d.ledger.Root().Hex())
	fmt.Printf("State commitment: %s\n", d.ledger.StateCommitment().Hex())
	fmt.Printf("Escrowed USDC:    %s\n", d.ledger.Balance("USDC").Dec())
	for _, u := range users {
		fmt.Printf("%-6s public USDC: %s\n", u.Name, d.tokens.BalanceOf(usdcToken, u.Address).Dec())
	}

	snap := d.ledger.Snapshot()
	if snapshot != "" {
		if err := snap.SaveToFile(snapshot); err != nil {
			return nil, err
		}
		log.Info("snapshot written to %s", snapshot)
	}
	return snap, nil
}

func main() {
	log, err := logging.NewLogger("info", "", "")
	if err != nil {
		panic(err)
	}
	defer log.Close()

	if _, err := runDemo(log, demoDepth, keyDir, snapshotPath); err != nil {
		log.Fatal("demo failed: %v", err)
	}
}

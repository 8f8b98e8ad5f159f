/*
 * Copyright (c) 2024 BOSAGORA Foundation
 */
package registry

// The ledger is an external collaborator. The registry only needs this
// narrow read-only view of chain state.

type ValidatorInfo struct {
	Address PublicKey
	UTXO    string
}

type StakeOutput struct {
	Address PublicKey
	UTXO    string
}

type Block struct {
	Height   uint64
	TxHashes []string
}

type Ledger interface {
	Height() uint64
	GetValidators(height uint64) []ValidatorInfo
	GetStakes() []StakeOutput
	GetPenaltyDeposit(utxo string) uint64
	GetBlocksFrom(height uint64) []Block
}

// UnbackedLedger is the ledger view of a process with no chain
// connection: no validators, no stakes, and nothing ever slashed.
// Primary-zone stake binding and flash channel checks fail against it;
// replica and caching roles are unaffected.
type UnbackedLedger struct{}

func (UnbackedLedger) Height() uint64                       { return 0 }
func (UnbackedLedger) GetValidators(uint64) []ValidatorInfo { return nil }
func (UnbackedLedger) GetStakes() []StakeOutput             { return nil }
func (UnbackedLedger) GetPenaltyDeposit(string) uint64      { return 1 }
func (UnbackedLedger) GetBlocksFrom(uint64) []Block         { return nil }

// validatorCache memoises (height_seen, validators) so that repeated
// registrations at the same height cost one ledger round trip.
type validatorCache struct {
	heightSeen uint64
	infos      []ValidatorInfo
}

func (vc *validatorCache) refresh(ledger Ledger) {
	height := ledger.Height()
	if len(vc.infos) != 0 && height+1 <= vc.heightSeen {
		return
	}
	vc.heightSeen = height + 1
	vc.infos = ledger.GetValidators(height)
}

// FindStakeUTXO locates the frozen output that entitles pk to register as
// a validator: first among the active validator set, then among general
// stake outputs.
func (vc *validatorCache) FindStakeUTXO(ledger Ledger, pk PublicKey) (string, error) {
	vc.refresh(ledger)
	for _, vi := range vc.infos {
		if vi.Address == pk {
			return vi.UTXO, nil
		}
	}
	for _, st := range ledger.GetStakes() {
		if st.Address == pk {
			return st.UTXO, nil
		}
	}
	return "", ErrNoStake
}

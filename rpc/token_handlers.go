package rpc

import (
	"encoding/json"
	"time"

	"escrowd/native/escrow"
	"escrowd/observability"
)

type createAssetParams struct {
	Asset     string `json:"asset"`
	Authority string `json:"authority"`
}

type createAccountParams struct {
	Asset string `json:"asset"`
	Owner string `json:"owner"`
	Payer string `json:"payer"`
}

type issueParams struct {
	Asset     string `json:"asset"`
	Authority string `json:"authority"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
}

type assetQueryParams struct {
	Asset string `json:"asset"`
}

type accountQueryParams struct {
	Account string `json:"account"`
}

type nativeCreditParams struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type assetResult struct {
	Asset     string `json:"asset"`
	Authority string `json:"authority"`
	Supply    string `json:"supply"`
}

type accountResult struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Owner   string `json:"owner"`
	Balance string `json:"balance"`
}

func (s *Server) handleCreateAsset(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p createAssetParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	asset, rpcErr := parseAddress(p.Asset, "asset")
	if rpcErr != nil {
		return nil, rpcErr
	}
	authority, rpcErr := parseAddress(p.Authority, "authority")
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := s.state.Transact(func(tx escrow.TxState) error {
		return tx.Ledger().CreateAsset(asset, authority)
	})
	observability.Engine().Observe("createAsset", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return assetResult{Asset: encodeAddress(asset), Authority: encodeAddress(authority), Supply: "0"}, nil
}

func (s *Server) handleCreateAccount(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p createAccountParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	asset, rpcErr := parseAddress(p.Asset, "asset")
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, rpcErr := parseAddress(p.Owner, "owner")
	if rpcErr != nil {
		return nil, rpcErr
	}
	payer, rpcErr := parseAddress(p.Payer, "payer")
	if rpcErr != nil {
		return nil, rpcErr
	}
	var addr [20]byte
	err := s.state.Transact(func(tx escrow.TxState) error {
		var txErr error
		addr, txErr = tx.Ledger().CreateAccount(asset, owner, payer)
		return txErr
	})
	observability.Engine().Observe("createAccount", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return accountResult{
		Account: encodeAddress(addr),
		Asset:   encodeAddress(asset),
		Owner:   encodeAddress(owner),
		Balance: "0",
	}, nil
}

func (s *Server) handleIssue(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p issueParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	asset, rpcErr := parseAddress(p.Asset, "asset")
	if rpcErr != nil {
		return nil, rpcErr
	}
	authority, rpcErr := parseAddress(p.Authority, "authority")
	if rpcErr != nil {
		return nil, rpcErr
	}
	account, rpcErr := parseAddress(p.Account, "account")
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(p.Amount, "amount")
	if rpcErr != nil {
		return nil, rpcErr
	}
	def, err := s.ledger.Asset(asset)
	if err != nil {
		observability.Engine().Observe("issue", err, started)
		return nil, escrowErrorToRPC(err)
	}
	if def.Authority != authority {
		return nil, &rpcError{Code: codeEscrowForbidden, Message: "authority does not control asset"}
	}
	err = s.state.Transact(func(tx escrow.TxState) error {
		return tx.Ledger().Issue(asset, account, amount)
	})
	observability.Engine().Observe("issue", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]bool{"issued": true}, nil
}

func (s *Server) handleAssetGet(params []json.RawMessage) (interface{}, *rpcError) {
	var p assetQueryParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	asset, rpcErr := parseAddress(p.Asset, "asset")
	if rpcErr != nil {
		return nil, rpcErr
	}
	def, err := s.ledger.Asset(asset)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return assetResult{
		Asset:     encodeAddress(asset),
		Authority: encodeAddress(def.Authority),
		Supply:    def.Supply.String(),
	}, nil
}

func (s *Server) handleAccountGet(params []json.RawMessage) (interface{}, *rpcError) {
	var p accountQueryParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	account, rpcErr := parseAddress(p.Account, "account")
	if rpcErr != nil {
		return nil, rpcErr
	}
	acct, err := s.ledger.Account(account)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return accountResult{
		Account: encodeAddress(account),
		Asset:   encodeAddress(acct.Asset),
		Owner:   encodeAddress(acct.Owner),
		Balance: acct.Balance.String(),
	}, nil
}

func (s *Server) handleNativeCredit(params []json.RawMessage) (interface{}, *rpcError) {
	started := time.Now()
	var p nativeCreditParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	account, rpcErr := parseAddress(p.Account, "account")
	if rpcErr != nil {
		return nil, rpcErr
	}
	amount, rpcErr := parseAmount(p.Amount, "amount")
	if rpcErr != nil {
		return nil, rpcErr
	}
	err := s.state.NativeCredit(account, amount)
	observability.Engine().Observe("nativeCredit", err, started)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	balance, err := s.state.NativeBalance(account)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]string{"account": encodeAddress(account), "balance": balance.String()}, nil
}

func (s *Server) handleNativeBalance(params []json.RawMessage) (interface{}, *rpcError) {
	var p accountQueryParams
	if rpcErr := decodeParams(params, &p); rpcErr != nil {
		return nil, rpcErr
	}
	account, rpcErr := parseAddress(p.Account, "account")
	if rpcErr != nil {
		return nil, rpcErr
	}
	balance, err := s.state.NativeBalance(account)
	if err != nil {
		return nil, escrowErrorToRPC(err)
	}
	return map[string]string{"account": encodeAddress(account), "balance": balance.String()}, nil
}

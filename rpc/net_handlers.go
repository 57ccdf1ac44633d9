package rpc

import (
	"net/http"

	"optionvault/crypto"
)

type netInfoResult struct {
	ChainID             uint64 `json:"chainId"`
	Network             string `json:"network"`
	StateVersion        uint64 `json:"stateVersion"`
	StateRoot           string `json:"stateRoot"`
	VaultAddress        string `json:"vaultAddress"`
	OptionsCount        uint64 `json:"optionsCount"`
	LatestEventSequence uint64 `json:"latestEventSequence"`
}

func (s *Server) handleNetInfo(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidParams, "invalid_params", "net_info takes no parameters")
		return
	}
	count, err := s.node.OptionsCount()
	if err != nil {
		writeError(w, http.StatusInternalServerError, req.ID, codeServerError, "internal_error", err.Error())
		return
	}
	vault := s.node.VaultAddress()
	_, latest := s.node.EventsAfter(^uint64(0), 0)
	result := netInfoResult{
		ChainID:             s.node.ChainID(),
		Network:             s.node.NetworkName(),
		StateVersion:        s.node.StateVersion(),
		StateRoot:           s.node.StateRoot().Hex(),
		VaultAddress:        crypto.NewAddress(crypto.OVTPrefix, vault[:]).String(),
		OptionsCount:        count,
		LatestEventSequence: latest,
	}
	writeResult(w, req.ID, result)
}

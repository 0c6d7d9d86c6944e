package chain

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

const (
	addressPrefix  byte = 0x41
	addressLength       = 21
	checksumLength      = 4
)

// transfer(address,uint256) argument layout for TRC-20 tokens.
var transferArguments = func() abi.Arguments {
	addressType, err := abi.NewType("address", "", nil)
	if err != nil {
		panic(err)
	}
	uintType, err := abi.NewType("uint256", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: addressType}, {Type: uintType}}
}()

// DecodeAddress parses a base58check Tron address into its 21-byte form.
func DecodeAddress(s string) ([]byte, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	raw, err := base58.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if len(raw) != addressLength+checksumLength {
		return nil, fmt.Errorf("%w: %q has length %d", ErrInvalidAddress, s, len(raw))
	}
	payload, sum := raw[:addressLength], raw[addressLength:]
	if !bytes.Equal(checksum(payload), sum) {
		return nil, fmt.Errorf("%w: %q checksum mismatch", ErrInvalidAddress, s)
	}
	if payload[0] != addressPrefix {
		return nil, fmt.Errorf("%w: %q has prefix %#x", ErrInvalidAddress, s, payload[0])
	}
	return payload, nil
}

// EncodeAddress renders a 21-byte address as base58check.
func EncodeAddress(payload []byte) string {
	buf := make([]byte, 0, len(payload)+checksumLength)
	buf = append(buf, payload...)
	buf = append(buf, checksum(payload)...)
	return base58.Encode(buf)
}

// AddressFromEVM maps a 20-byte account to its Tron form.
func AddressFromEVM(addr common.Address) string {
	payload := make([]byte, 0, addressLength)
	payload = append(payload, addressPrefix)
	payload = append(payload, addr.Bytes()...)
	return EncodeAddress(payload)
}

func ValidateAddress(s string) error {
	_, err := DecodeAddress(s)
	return err
}

// HexAddress returns the 41-prefixed hex form used by the node's non-visible APIs.
func HexAddress(s string) (string, error) {
	payload, err := DecodeAddress(s)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(payload), nil
}

// EncodeTransferParameter ABI-encodes the arguments of transfer(to, amount).
func EncodeTransferParameter(to string, amount *big.Int) (string, error) {
	payload, err := DecodeAddress(to)
	if err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("transfer amount must be positive")
	}
	packed, err := transferArguments.Pack(common.BytesToAddress(payload[1:]), amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer parameter: %w", err)
	}
	return hex.EncodeToString(packed), nil
}

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:checksumLength]
}

package main

import (
	"context"
	"fmt"

	"github.com/AfshinJalili/custody/services/withdrawal/internal/money"
	"github.com/AfshinJalili/custody/services/withdrawal/internal/storage"
	"github.com/google/uuid"
)

var emptyWalletUserID = uuid.MustParse("00000000-0000-0000-0000-000000000003")

// seedTestData adds rows that selection must skip and a user with nothing
// to withdraw.
func seedTestData(ctx context.Context, store *storage.Store) error {
	if err := store.UpsertWallet(ctx, emptyWalletUserID, money.Zero); err != nil {
		return err
	}
	ineligible := []storage.CustodialAddress{
		{Address: demoAddress("aml-banned"), Balance: money.MustParse("5000"), IsAMLBanned: true},
		{Address: demoAddress("external"), Balance: money.MustParse("5000"), IsExternal: true},
		{Address: demoAddress("dust"), Balance: money.MustParse("0.000001")},
		{Address: demoAddress("no-gas"), Balance: money.MustParse("90")},
	}
	for _, addr := range ineligible {
		if err := store.UpsertAddress(ctx, addr); err != nil {
			return fmt.Errorf("address %s: %w", addr.Address, err)
		}
	}
	return nil
}

/*
txlog.go - Reading the transaction log

PURPOSE:
  The log is written only by adjust (accounts.go). Reads are newest first,
  ordered by the store-assigned Seq.

  Transactions is lazy: it fetches one page per store call and stops as
  soon as the consumer stops ranging. Ranging again starts over from the
  newest entry.

EXAMPLE:
  for tx, err := range svc.Transactions(ctx, "963912345678") {
      if err != nil { return err }
      fmt.Println(tx.Title, tx.Amount)
  }
*/
package ledger

import (
	"context"
	"iter"
)

// Transactions iterates over the log of one account, newest first.
// An empty id iterates over every account.
func (s *Service) Transactions(ctx context.Context, id AccountID) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		var before int64
		for {
			page, err := s.store.ListTransactions(ctx, TransactionQuery{
				AccountID: id,
				BeforeSeq: before,
				Limit:     s.pageSize,
			})
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			for _, tx := range page {
				if !yield(tx, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			before = page[len(page)-1].Seq
		}
	}
}

// History returns at most limit entries of one account, newest first.
// limit <= 0 returns the whole log.
func (s *Service) History(ctx context.Context, id AccountID, limit int) ([]Transaction, error) {
	if _, err := s.store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return collect(s.Transactions(ctx, id), limit)
}

// RecentTransactions returns the newest entries across all accounts.
func (s *Service) RecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	return collect(s.Transactions(ctx, ""), limit)
}

func collect(seq iter.Seq2[Transaction, error], limit int) ([]Transaction, error) {
	out := []Transaction{}
	for tx, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

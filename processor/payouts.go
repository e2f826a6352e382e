package processor

import (
	"math/big"
	"sort"
)

// Payout is one voter's share of the pool.
type Payout struct {
	Voter  string `json:"voter"`
	Amount int64  `json:"amount"`
}

// PayoutReport is the result of settling a market.
type PayoutReport struct {
	Payouts          []Payout `json:"payouts"`
	TotalPool        int64    `json:"total_pool"`
	TotalWinnerStake int64    `json:"total_winner_stake"`
	Winners          int      `json:"winners"`
	Losers           int      `json:"losers"`
}

// computePayouts settles the aggregate for the winning option. All sums are
// integer arithmetic in the smallest unit; proportional shares truncate
// toward zero and the truncation dust is not redistributed. When nobody
// backed the winner, every voter is refunded their own stake.
func computePayouts(agg *Aggregate, winner Option) *PayoutReport {
	report := &PayoutReport{
		TotalPool: agg.StakeA + agg.StakeB,
	}
	if winner == OptionA {
		report.TotalWinnerStake = agg.StakeA
	} else {
		report.TotalWinnerStake = agg.StakeB
	}

	voters := make([]string, 0, len(agg.Votes))
	for voter := range agg.Votes {
		voters = append(voters, voter)
	}
	sort.Strings(voters)

	pool := big.NewInt(report.TotalPool)
	winnerStake := big.NewInt(report.TotalWinnerStake)

	for _, voter := range voters {
		rec := agg.Votes[voter]
		var amount int64
		switch {
		case report.TotalWinnerStake == 0:
			// Nobody backed the winner: refund everyone.
			amount = rec.Amount
		case rec.Option == winner:
			// stake × pool / winnerStake, truncated toward zero.
			share := new(big.Int).Mul(big.NewInt(rec.Amount), pool)
			amount = share.Div(share, winnerStake).Int64()
			report.Winners++
		default:
			amount = 0
			report.Losers++
		}
		report.Payouts = append(report.Payouts, Payout{Voter: voter, Amount: amount})
	}
	return report
}

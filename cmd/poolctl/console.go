package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/shopspring/decimal"

	"github.com/betpool/pool-engine/internal/engine"
	"github.com/betpool/pool-engine/internal/ledger"
	"github.com/betpool/pool-engine/internal/model"
	"github.com/betpool/pool-engine/internal/store"
)

var errUsage = errors.New("usage")

const timeLayout = "2006-01-02 15:04"

// console renders store contents as tables.
type console struct {
	store  store.Store
	engine *engine.Engine
	ledger *ledger.Ledger
	out    io.Writer
}

func newConsole(st store.Store, cfg engine.Config, out io.Writer) (*console, error) {
	eng, err := engine.New(st, cfg)
	if err != nil {
		return nil, err
	}
	return &console{store: st, engine: eng, ledger: ledger.New(st), out: out}, nil
}

// run dispatches one command line.
func (c *console) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "pools":
		fs := flag.NewFlagSet("pools", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		status := fs.String("status", "", "OPEN | LOCKED | SETTLED | CANCELLED")
		tmpl := fs.String("template", "", "template id")
		account := fs.String("account", "", "account holding a wager")
		if err := fs.Parse(rest); err != nil {
			return errUsage
		}
		return c.pools(ctx, store.PoolFilter{
			Status:     model.PoolStatus(strings.ToUpper(*status)),
			TemplateID: *tmpl,
			AccountID:  *account,
		})

	case "pool":
		if len(rest) != 1 {
			return errUsage
		}
		return c.pool(ctx, rest[0])

	case "templates":
		return c.templates(ctx)

	case "statement":
		if len(rest) != 1 {
			return errUsage
		}
		return c.statement(ctx, rest[0])

	case "audit":
		if len(rest) == 0 {
			return errUsage
		}
		return c.audit(ctx, rest)

	case "recent":
		fs := flag.NewFlagSet("recent", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		n := fs.Int("n", 50, "number of entries")
		if err := fs.Parse(rest); err != nil || *n <= 0 {
			return errUsage
		}
		return c.recent(ctx, *n)

	default:
		return errUsage
	}
}

func (c *console) pools(ctx context.Context, f store.PoolFilter) error {
	pools, err := c.store.ListPools(ctx, f)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Fixture", "Kickoff", "Status", "Stake", "Entries", "Pot", "Result")
	for i := range pools {
		p := &pools[i]
		table.Append(
			p.ID,
			fixtureLabel(p.Fixture),
			p.Fixture.StartsAt.UTC().Format(timeLayout),
			string(p.Status),
			p.StakePerEntry.StringFixed(2),
			fmt.Sprintf("%d/%d", len(p.Wagers), p.LockThreshold),
			potLabel(p),
			resultLabel(p.Result),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  %d pools\n", len(pools))
	return nil
}

func (c *console) pool(ctx context.Context, id string) error {
	p, err := c.store.GetPool(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s  %s  [%s]\n", p.ID, fixtureLabel(p.Fixture), p.Status)
	fmt.Fprintf(c.out, "  stake %s  commission %s  threshold %d",
		p.StakePerEntry.StringFixed(2), p.CommissionRate.String(), p.LockThreshold)
	if p.GroupCode != "" {
		fmt.Fprintf(c.out, "  code %s", p.GroupCode)
	}
	fmt.Fprintln(c.out)
	if s := p.Snapshot; s != nil {
		fmt.Fprintf(c.out, "  locked %s  pot %s  commission %s  distributable %s\n",
			s.LockedAt.UTC().Format(timeLayout),
			s.TotalPool.StringFixed(2), s.Commission.StringFixed(2), s.Distributable.StringFixed(2))
	}
	if r := p.Result; r != nil {
		fmt.Fprintf(c.out, "  result %s  winners %d  per winner %s  house %s\n",
			resultLabel(r), r.WinnerCount, r.PayoutPerWinner.StringFixed(2), r.HouseRevenue.StringFixed(2))
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("Account", "Outcome", "Stake", "Placed")
	for _, w := range p.Wagers {
		table.Append(w.AccountID, w.Outcome, w.Stake.StringFixed(2), w.PlacedAt.UTC().Format(timeLayout))
	}
	table.Render()

	if p.Status.Terminal() {
		return nil
	}
	proj, err := c.engine.Project(ctx, id)
	if err != nil {
		return err
	}
	table = tablewriter.NewWriter(c.out)
	table.Header("If result", "Wagers", "Per winner", "Multiplier")
	for _, pr := range proj {
		per, mult := "-", "-"
		if pr.PayoutPerWinner.IsPositive() {
			per = pr.PayoutPerWinner.StringFixed(2)
			mult = pr.Multiplier.StringFixed(2) + "x"
		}
		table.Append(pr.Outcome, strconv.Itoa(pr.Wagers), per, mult)
	}
	table.Render()
	return nil
}

func (c *console) templates(ctx context.Context) error {
	tmpls, err := c.store.ListTemplates(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "Fixture", "Kickoff", "Outcomes", "Base stake", "Status", "Result")
	for _, t := range tmpls {
		result := "-"
		if t.Status == model.TemplateSettled {
			result = t.Outcome
			if t.Score != "" {
				result += " (" + t.Score + ")"
			}
		}
		table.Append(
			t.ID,
			fixtureLabel(t.Fixture),
			t.Fixture.StartsAt.UTC().Format(timeLayout),
			strings.Join(t.Outcomes, "/"),
			t.BaseStake.StringFixed(2),
			string(t.Status),
			result,
		)
	}
	table.Render()
	return nil
}

func (c *console) statement(ctx context.Context, accountID string) error {
	acc, err := c.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	entries, err := c.store.ListTransactionsByAccount(ctx, accountID)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "%s  balance %s\n", acc.ID, acc.Balance.StringFixed(2))
	c.transactionTable(entries, false)
	return nil
}

func (c *console) audit(ctx context.Context, accountIDs []string) error {
	table := tablewriter.NewWriter(c.out)
	table.Header("Account", "Stored", "Reconstructed", "Drift", "Entries", "Status")

	drifted := 0
	for _, id := range accountIDs {
		r, err := c.ledger.Audit(ctx, id)
		if err != nil {
			return fmt.Errorf("audit %s: %w", id, err)
		}
		status := "OK"
		if !r.Consistent {
			status = "DRIFT"
			drifted++
		}
		table.Append(
			r.AccountID,
			r.Stored.StringFixed(2),
			r.Reconstructed.StringFixed(2),
			r.Drift.StringFixed(2),
			strconv.Itoa(r.Entries),
			status,
		)
	}
	table.Render()

	if drifted > 0 {
		return fmt.Errorf("%d of %d accounts drifted: %w", drifted, len(accountIDs), model.ErrInvariantViolation)
	}
	return nil
}

func (c *console) recent(ctx context.Context, n int) error {
	entries, err := c.store.ListRecentTransactions(ctx, n)
	if err != nil {
		return err
	}
	c.transactionTable(entries, true)
	return nil
}

func (c *console) transactionTable(entries []model.Transaction, withAccount bool) {
	table := tablewriter.NewWriter(c.out)
	if withAccount {
		table.Header("Time", "Account", "Pool", "Amount", "Description")
	} else {
		table.Header("Time", "Pool", "Amount", "Description")
	}

	for _, t := range entries {
		pool := t.PoolID
		if pool == "" {
			pool = "-"
		}
		row := []any{t.CreatedAt.UTC().Format(timeLayout)}
		if withAccount {
			row = append(row, t.AccountID)
		}
		row = append(row, pool, signedAmount(t), t.Description)
		table.Append(row...)
	}
	table.Render()
}

func fixtureLabel(f model.Fixture) string {
	return f.HomeTeam + " v " + f.AwayTeam
}

func potLabel(p *model.Pool) string {
	if p.Snapshot != nil {
		return p.Snapshot.TotalPool.StringFixed(2)
	}
	return p.StakePerEntry.Mul(decimal.NewFromInt(int64(len(p.Wagers)))).StringFixed(2)
}

func resultLabel(r *model.Result) string {
	if r == nil {
		return "-"
	}
	if r.Score != "" {
		return r.Outcome + " (" + r.Score + ")"
	}
	return r.Outcome
}

func signedAmount(t model.Transaction) string {
	if t.Direction == model.Debit {
		return "-" + t.Amount.StringFixed(2)
	}
	return "+" + t.Amount.StringFixed(2)
}

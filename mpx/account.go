package mpx

import (
	"context"
	"fmt"
	"net/url"

	"mpxsync/internal"
	"mpxsync/utils"
)

// ImportAccountInfo is an mpx account record as returned by the account
// data service
type ImportAccountInfo struct {
	ID    string `json:"id"`
	GUID  string `json:"guid"`
	Title string `json:"title"`
	PID   string `json:"pid"`
}

type accountFeed struct {
	EntryCount int                 `json:"entryCount"`
	Entries    []ImportAccountInfo `json:"entries"`
}

// FetchImportAccounts lists the enabled accounts visible to account's
// credentials, optionally filtered by title
func (c *Client) FetchImportAccounts(ctx context.Context, account *internal.Account, title string) ([]ImportAccountInfo, error) {
	params := url.Values{
		"schema":     {"1.3"},
		"form":       {"cjson"},
		"byDisabled": {"false"},
		"fields":     {"id,guid,title,pid"},
	}
	if title != "" {
		params.Set("byTitle", title)
	}

	resp, err := c.AuthenticatedRequest(ctx, account, c.cfg.AccountURL, params, RequestOptions{Timeout: c.cfg.RequestTimeout})
	if err != nil {
		return nil, err
	}

	var feed accountFeed
	if err := resp.Decode(&feed); err != nil {
		return nil, err
	}
	return feed.Entries, nil
}

// FetchImportAccount returns the account titled title, or account's own
// import account when title is empty. It returns nil when no such account
// exists.
func (c *Client) FetchImportAccount(ctx context.Context, account *internal.Account, title string) (*ImportAccountInfo, error) {
	if title == "" {
		title = account.ImportAccount
	}
	if title == "" {
		return nil, internal.NewValidationError("import_account", fmt.Sprintf("mpx account %d has no import account to look up", account.ID))
	}

	entries, err := c.FetchImportAccounts(ctx, account, title)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// ResolveImportAccount returns a copy of account with the import account's
// id and pid filled in. The session token is released when resolution
// fails so a bad account does not keep a live token.
func (c *Client) ResolveImportAccount(ctx context.Context, account *internal.Account) (*internal.Account, error) {
	info, err := c.FetchImportAccount(ctx, account, "")
	if err == nil && info == nil {
		err = internal.NewValidationErrorWithValue("import_account", "import account not found", account.ImportAccount).
			WithContext("account", account.String())
	}
	if err != nil {
		if releaseErr := c.tokens.Release(ctx, account); releaseErr != nil {
			c.logger.WarnContext(ctx, "failed to release token", "account", account.String(), "error", releaseErr)
		}
		return nil, err
	}

	resolved := *account
	resolved.AccountID = utils.EnsureHTTPS(info.ID)
	resolved.AccountPID = info.PID
	c.logger.InfoContext(ctx, "resolved import account",
		"account", account.String(),
		"account_id", resolved.AccountID,
		"account_pid", resolved.AccountPID,
	)
	return &resolved, nil
}

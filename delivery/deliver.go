package delivery

import (
	"context"
	"fmt"
)

// DeliverMessage resolves the domain and attempts SMTP delivery to one of the MX hosts.
// base supplies the port and HELO name for every host tried.
func DeliverMessage(ctx context.Context, base Target, from, to string, data []byte) error {
	domain, err := ExtractDomain(to)
	if err != nil {
		return err
	}
	mxRecords, err := ResolveMX(ctx, domain)
	if err != nil {
		return fmt.Errorf("MX lookup failed for %s: %w", domain, err)
	}
	if len(mxRecords) == 0 {
		return fmt.Errorf("MX lookup failed for %s: no MX records", domain)
	}
	var lastErr error
	for _, mx := range mxRecords {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		target := base
		target.Host = mx.Host
		err = deliverFunc(ctx, target, from, to, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("delivery failed: %w", lastErr)
}

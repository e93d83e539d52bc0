/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dnsclient is the DNS Client (spec §4.2): it lists and upserts
// A-record sets in the authoritative Route 53 zone. Grounded on the real
// aws-sdk-go-v2 route53 client (see other_examples' external-dns controller
// for the import path convention) and the teacher's context-scoped,
// trace.Wrap-every-error client shape (api/client/client.go).
package dnsclient

import (
	"context"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/gravitational/trace"
)

// TTL is the fixed TTL used for every A record this proxy manages (spec §4.2).
const TTL = 300

// Client talks to Route 53's ListResourceRecordSets / ChangeResourceRecordSets.
type Client struct {
	r53 *route53.Client
}

// New builds a Client with static AWS credentials, per the configured
// aws_access_key/aws_secret_key keys (spec §6).
func New(ctx context.Context, accessKey, secretKey string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		),
	)
	if err != nil {
		return nil, trace.Wrap(err, "loading AWS config")
	}
	return &Client{r53: route53.NewFromConfig(cfg)}, nil
}

// RecordSet is one name's resource record set, trimmed to what the
// Reconciler and Self-Register lifecycle need.
type RecordSet struct {
	Name    string
	Values  []string
}

// ListRecords implements list_records(zone, start_name) -> record_set[].
// The first element is the record set whose name is lexicographically >=
// start_name (spec §4.2); callers rely on that to fetch "the record set for
// this FQDN".
func (c *Client) ListRecords(ctx context.Context, zoneID, startName string) ([]RecordSet, error) {
	out, err := c.r53.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(startName),
		StartRecordType: types.RRTypeA,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, trace.Wrap(err, "listing record sets in zone %v starting at %v", zoneID, startName)
	}

	sets := make([]RecordSet, 0, len(out.ResourceRecordSets))
	for _, rrs := range out.ResourceRecordSets {
		values := make([]string, 0, len(rrs.ResourceRecords))
		for _, rr := range rrs.ResourceRecords {
			values = append(values, aws.ToString(rr.Value))
		}
		sets = append(sets, RecordSet{Name: aws.ToString(rrs.Name), Values: values})
	}
	return sets, nil
}

// UpsertARecord implements upsert_a_record(zone, fqdn, values) -> ok: a
// single UPSERT Change of type A, TTL 300, with the values list being
// authoritative (not merge-based), per spec §4.2.
func (c *Client) UpsertARecord(ctx context.Context, zoneID, fqdn string, values []string) error {
	records := make([]types.ResourceRecord, 0, len(values))
	for _, v := range values {
		records = append(records, types.ResourceRecord{Value: aws.String(v)})
	}

	_, err := c.r53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{
				{
					Action: types.ChangeActionUpsert,
					ResourceRecordSet: &types.ResourceRecordSet{
						Name:            aws.String(fqdn),
						Type:            types.RRTypeA,
						TTL:             aws.Int64(TTL),
						ResourceRecords: records,
					},
				},
			},
		},
	})
	if err != nil {
		return trace.Wrap(err, "upserting A record %v in zone %v", fqdn, zoneID)
	}
	return nil
}

// SortedValues is a small helper used by both the Reconciler (spec §4.7
// step 2-3) and tests: it returns a sorted copy so comparisons are
// order-insensitive while still multiplicity-sensitive.
func SortedValues(values []string) []string {
	out := make([]string, len(values))
	copy(out, values)
	sort.Strings(out)
	return out
}

// NamesMatch reports whether a record set's name (as returned by
// ListRecords, which may carry a trailing root "." and differ in case) is
// the same FQDN the caller asked about. spec.md §9 Open Question #4:
// ListRecords returns the record set whose name is lexicographically >=
// start_name, not necessarily one whose name equals it; a caller that skips
// this check and treats sets[0] as "the record for this FQDN" risks reading
// (and then overwriting) an unrelated name. Both the Reconciler and the
// Self-Register lifecycle list-then-mutate a single FQDN's record set and
// must apply this guard the same way.
func NamesMatch(recordName, fqdn string) bool {
	trim := func(s string) string { return strings.ToLower(strings.TrimSuffix(s, ".")) }
	return trim(recordName) == trim(fqdn)
}

// Package password provides argon2id hashing and verification in PHC string
// format, including a precomputed dummy verification so credential checks
// take the same time whether or not the account exists.
package password

// Package redis stores contract state in Redis, applying each commit batch
// through a MULTI/EXEC pipeline so readers never observe a partial batch.
package redis

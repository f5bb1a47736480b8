package snakegame

import "math"

// Scoring terms for the bot's one-step lookahead. The fatal penalty
// dominates every other term combined, so an avoidable death is never
// chosen while a safe heading exists.
const (
	botFatalPenalty = 1 << 20
	botFoodWeight   = 4
	botWallPenalty  = 1
	botWallMargin   = 2
)

// chooseHeading picks the autonomous slot's next heading. Every heading
// except the reversal of the current one is scored on the cell it would
// reach; ties resolve to the earliest heading in headingOrder.
func chooseHeading(cur Heading, body, opponent []Cell, food Cell, w, h int) Heading {
	head := body[0]
	best := cur
	bestScore := math.MinInt

	for _, cand := range headingOrder {
		if cand == cur.Opposite() {
			continue
		}
		next := head.step(cand)

		score := 0
		if !inBounds(next, w, h) || contains(body, next) || contains(opponent, next) {
			score -= botFatalPenalty
		}
		score += botFoodWeight * (manhattan(head, food) - manhattan(next, food))
		if nearWall(next, w, h) {
			score -= botWallPenalty
		}

		if score > bestScore {
			best, bestScore = cand, score
		}
	}
	return best
}

func nearWall(c Cell, w, h int) bool {
	return c.X < botWallMargin || c.Y < botWallMargin ||
		c.X >= w-botWallMargin || c.Y >= h-botWallMargin
}
